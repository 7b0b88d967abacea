package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhwgroup/force-riscv-sub005/config"
)

func TestEncodeAccess(t *testing.T) {
	assert.Equal(t, uint32(0x00833003), access{Size: 8, Base: 6, Imm: 8}.encode())
	assert.Equal(t, uint32(0xfe028fa3), access{Size: 1, Write: true, Base: 5, Imm: ^uint64(0)}.encode())
	assert.Equal(t, uint32(0x00012003), access{Size: 4, Base: 2}.encode())
}

func testConfig(t *testing.T, mode string) *config.Config {
	cfg := config.Default()
	cfg.PagingMode = mode
	cfg.Output = filepath.Join(t.TempDir(), "test.img")
	cfg.LogLevel = "warn"
	require.Nil(t, cfg.Validate())
	return cfg
}

func imageLines(t *testing.T, path, tag string) []string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	res := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, tag+" ") {
			res = append(res, line)
		}
	}
	return res
}

func TestGenerateBare(t *testing.T) {
	cfg := testConfig(t, "bare")
	digest, err := Generate(cfg, 6)
	require.Nil(t, err)

	assert.Len(t, imageLines(t, cfg.Output, "T"), 2)
	assert.NotEmpty(t, imageLines(t, cfg.Output, "R"))
	assert.Len(t, imageLines(t, cfg.Output, "I"), 4)
	assert.NotEmpty(t, imageLines(t, cfg.Output, "D"))
	assert.Empty(t, imageLines(t, cfg.Output, "V"))

	again, err := Generate(cfg, 6)
	require.Nil(t, err)
	assert.Equal(t, digest, again)

	cfg.Seed = 77
	other, err := Generate(cfg, 6)
	require.Nil(t, err)
	assert.NotEqual(t, digest, other)
}

func TestGenerateSv39(t *testing.T) {
	cfg := testConfig(t, "sv39")
	_, err := Generate(cfg, 10)
	require.Nil(t, err)

	translations := imageLines(t, cfg.Output, "V")
	require.Len(t, translations, 2)
	for _, line := range translations {
		assert.Equal(t, "0000000000000008", strings.Fields(line)[2])
	}
	// page tables are written as data
	assert.NotEmpty(t, imageLines(t, cfg.Output, "D"))
}

func TestGenerateRejectsMissingElf(t *testing.T) {
	cfg := testConfig(t, "bare")
	cfg.Elf = filepath.Join(t.TempDir(), "missing.elf")
	_, err := Generate(cfg, 1)
	require.NotNil(t, err)
}
