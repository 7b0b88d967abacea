package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openhwgroup/force-riscv-sub005/config"
)

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

func main() {
	accesses := flag.Int("accesses", 8, "loads and stores generated per thread")
	output := flag.String("o", "", "image file, overrides the config")
	flag.Parse()

	cfg := config.Default()
	if flag.NArg() > 0 {
		var err *errors.Error
		if cfg, err = config.Load(flag.Arg(0)); err != nil {
			log.WithFields(log.Fields{"error": err, "stack": err.ErrorStack()}).Fatal("Error Loading Config")
		}
	}
	if *output != "" {
		cfg.Output = *output
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("Invalid Log Level")
	}

	digest, err := Generate(cfg, *accesses)
	if err != nil {
		log.WithFields(log.Fields{"error": err, "stack": err.ErrorStack()}).Error("Generation Failed")
		os.Exit(1)
	}
	log.WithFields(log.Fields{"output": cfg.Output, "digest": fmt.Sprintf("%016x", digest)}).Info("Test Generated")
}
