//go:build !unicorn

package emulator

import (
	"github.com/go-errors/errors"

	"github.com/openhwgroup/force-riscv-sub005/arch"
	"github.com/openhwgroup/force-riscv-sub005/memory"
)

var errNoUnicorn = errors.Errorf("built without the unicorn tag")

// Emulator is inert in builds without the unicorn tag; NewEmulator always fails.
type Emulator struct {
	Faults []Fault
}

func Available() bool {
	return false
}

func NewEmulator(a arch.Arch, conf Config) (*Emulator, *errors.Error) {
	return nil, errNoUnicorn
}

func (s *Emulator) Close() *errors.Error                           { return nil }
func (s *Emulator) LoadBank(bank *memory.MemoryBank) *errors.Error { return errNoUnicorn }
func (s *Emulator) SetRegister(reg int, val uint64) *errors.Error  { return errNoUnicorn }
func (s *Emulator) Register(reg int) (uint64, *errors.Error)       { return 0, errNoUnicorn }
func (s *Emulator) Run(pc uint64) *errors.Error                    { return errNoUnicorn }

func (s *Emulator) ReadMemory(addr, size uint64) ([]byte, *errors.Error) {
	return nil, errNoUnicorn
}
