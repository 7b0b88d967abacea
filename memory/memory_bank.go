package memory

import (
	"fmt"
	"sort"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

type MemoryBankID uint32

const DefaultBank MemoryBankID = 0

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

func hexRange(from, to uint64) string {
	return fmt.Sprintf("[0x%x, 0x%x]", from, to)
}

// MemoryBank is one physical memory: its constraint bookkeeping, its traits and the bytes
// the test has initialized so far.
type MemoryBank struct {
	ID         MemoryBankID
	Name       string
	constraint MemoryConstraint
	traits     *MemoryTraitsManager
	ranges     *ds.ConstraintSet
	data       map[uint64]byte
	instr      *ds.ConstraintSet
	seed       uint64
}

func (s *MemoryBank) Constraint() MemoryConstraint {
	return s.constraint
}

func (s *MemoryBank) Traits() *MemoryTraitsManager {
	return s.traits
}

// Ranges is the configured extent of the bank.
func (s *MemoryBank) Ranges() *ds.ConstraintSet {
	return s.ranges.Clone()
}

func (s *MemoryBank) check(addr uint64, data []byte) *errors.Error {
	end := addr + uint64(len(data)) - 1
	if end < addr || !s.ranges.ContainsRange(addr, end) {
		return failure.Operand("address", hexRange(addr, end), "outside memory bank %s", s.Name)
	}
	for i, b := range data {
		if old, ok := s.data[addr+uint64(i)]; ok && old != b {
			return failure.Operand("address", hexRange(addr, end), "byte at %s already initialized to 0x%02x", hex(addr+uint64(i)), old)
		}
	}
	return nil
}

func (s *MemoryBank) store(addr uint64, data []byte) {
	for i, b := range data {
		s.data[addr+uint64(i)] = b
	}
}

// Initialize stores data at addr and marks the range used. Writing different bytes over an
// already initialized address is an operand level failure.
func (s *MemoryBank) Initialize(addr uint64, data []byte, dataType MemDataType, accessType MemAccessType, threadID uint32) *errors.Error {
	if len(data) == 0 {
		return nil
	}
	if err := s.check(addr, data); err != nil {
		return err
	}
	end := addr + uint64(len(data)) - 1
	if err := s.constraint.MarkUsed(addr, end, dataType, accessType, threadID); err != nil {
		return err
	}
	s.store(addr, data)
	if dataType == DataTypeInstruction {
		s.instr.AddRange(addr, end)
	}
	log.WithFields(log.Fields{"bank": s.Name, "addr": hex(addr), "size": len(data), "type": dataType}).Debug("Initialize Memory")
	return nil
}

// InitializeSystem stores generator owned data such as page table descriptors. The range
// stops being usable but is never offered for reuse.
func (s *MemoryBank) InitializeSystem(addr uint64, data []byte) *errors.Error {
	if len(data) == 0 {
		return nil
	}
	if err := s.check(addr, data); err != nil {
		return err
	}
	s.constraint.SubUsable(addr, addr+uint64(len(data))-1)
	s.store(addr, data)
	return nil
}

// InitializeRandom fills [addr, addr+size) with the bank's deterministic random content.
func (s *MemoryBank) InitializeRandom(addr, size uint64, dataType MemDataType, accessType MemAccessType, threadID uint32) *errors.Error {
	data := random.Data(s.seed, addr, int(size))
	for i := range data {
		if old, ok := s.data[addr+uint64(i)]; ok {
			data[i] = old
		}
	}
	return s.Initialize(addr, data, dataType, accessType, threadID)
}

func (s *MemoryBank) IsInitialized(addr, size uint64) bool {
	for i := uint64(0); i < size; i++ {
		if _, ok := s.data[addr+i]; !ok {
			return false
		}
	}
	return true
}

// ReadBytes returns the initialized content of [addr, addr+size); ok is false if any byte
// was never initialized.
func (s *MemoryBank) ReadBytes(addr, size uint64) ([]byte, bool) {
	res := make([]byte, size)
	for i := uint64(0); i < size; i++ {
		b, ok := s.data[addr+i]
		if !ok {
			return nil, false
		}
		res[i] = b
	}
	return res, true
}

// Segment is a run of consecutive initialized bytes of one data type.
type Segment struct {
	Addr     uint64
	Data     []byte
	DataType MemDataType
}

// Segments lists initialized memory in address order.
func (s *MemoryBank) Segments() []Segment {
	addrs := make([]uint64, 0, len(s.data))
	for addr := range s.data {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	res := []Segment{}
	for _, addr := range addrs {
		dt := DataTypeData
		if s.instr.ContainsValue(addr) {
			dt = DataTypeInstruction
		}
		if n := len(res); n > 0 {
			last := &res[n-1]
			if last.DataType == dt && last.Addr+uint64(len(last.Data)) == addr {
				last.Data = append(last.Data, s.data[addr])
				continue
			}
		}
		res = append(res, Segment{Addr: addr, Data: []byte{s.data[addr]}, DataType: dt})
	}
	return res
}
