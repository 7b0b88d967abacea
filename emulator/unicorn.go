//go:build unicorn

package emulator

import (
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/openhwgroup/force-riscv-sub005/arch"
	"github.com/openhwgroup/force-riscv-sub005/memory"
)

func wrap(err error) *errors.Error {
	if err != nil {
		return errors.Wrap(err, 1)
	}
	return nil
}

type Emulator struct {
	Faults []Fault
	conf   Config
	mu     uc.Unicorn
	mapped map[uint64]bool
}

// Available reports whether this build carries the CPU model.
func Available() bool {
	return true
}

func NewEmulator(a arch.Arch, conf Config) (*Emulator, *errors.Error) {
	mu, err := uc.NewUnicorn(a.ToUnicornArchDescription(), a.ToUnicornModeDescription())
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	res := &Emulator{conf: conf, mu: mu, mapped: make(map[uint64]bool)}
	if err := res.addHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return res, nil
}

func (s *Emulator) Close() *errors.Error {
	mu := s.mu
	s.mu = nil
	return wrap(mu.Close())
}

func (s *Emulator) addHooks() *errors.Error {
	invalid := uc.HOOK_MEM_READ_UNMAPPED | uc.HOOK_MEM_WRITE_UNMAPPED | uc.HOOK_MEM_FETCH_UNMAPPED
	_, err := s.mu.HookAdd(invalid, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		fault := Fault{Addr: addr, Size: size, Fetch: access == uc.MEM_FETCH_UNMAPPED, Write: access == uc.MEM_WRITE_UNMAPPED}
		s.Faults = append(s.Faults, fault)
		log.WithFields(log.Fields{"fault": fault}).Debug("Unmapped Access")
		return false
	}, 1, 0)
	return wrap(err)
}

// LoadBank maps every page holding initialized memory of bank and writes its content.
func (s *Emulator) LoadBank(bank *memory.MemoryBank) *errors.Error {
	segs := bank.Segments()
	for _, span := range pageSpans(segs) {
		for page := span.From; page <= span.To && page >= span.From; page += pagesize {
			if s.mapped[page] {
				continue
			}
			if err := s.mu.MemMapProt(page, pagesize, uc.PROT_ALL); err != nil {
				return wrap(err)
			}
			s.mapped[page] = true
		}
	}
	for _, seg := range segs {
		if err := s.mu.MemWrite(seg.Addr, seg.Data); err != nil {
			return wrap(err)
		}
	}
	log.WithFields(log.Fields{"bank": bank.Name, "pages": len(s.mapped)}).Debug("Mirror Bank")
	return nil
}

func (s *Emulator) SetRegister(reg int, val uint64) *errors.Error {
	return wrap(s.mu.RegWrite(uc.RISCV_REG_X0+reg, val))
}

func (s *Emulator) Register(reg int) (uint64, *errors.Error) {
	val, err := s.mu.RegRead(uc.RISCV_REG_X0 + reg)
	return val, wrap(err)
}

func (s *Emulator) ReadMemory(addr, size uint64) ([]byte, *errors.Error) {
	data, err := s.mu.MemRead(addr, size)
	return data, wrap(err)
}

// Run executes from pc until the instruction budget is spent or the code faults. Faults are
// collected, not returned.
func (s *Emulator) Run(pc uint64) *errors.Error {
	log.WithFields(log.Fields{"pc": hex(pc), "count": s.conf.MaxInstructions}).Debug("Run Mirror")
	opt := uc.UcOptions{Timeout: s.conf.Timeout, Count: s.conf.MaxInstructions}
	err := s.mu.StartWithOptions(pc, ^uint64(0), &opt)
	if err == nil {
		return nil
	}
	if len(s.Faults) > 0 {
		log.WithFields(log.Fields{"pc": hex(pc), "faults": len(s.Faults), "error": err}).Info("Mirror Stopped On Fault")
		return nil
	}
	return wrap(err)
}
