package memory

import (
	"fmt"
	"sort"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
)

// ConstraintKind selects how a bank partitions its used addresses between threads.
type ConstraintKind uint

const (
	MultiThreadConstraint ConstraintKind = iota
	SingleThreadConstraint
)

type bankDefinition struct {
	name   string
	kind   ConstraintKind
	owner  uint32
	ranges *ds.ConstraintSet
}

// MemoryManager owns every memory bank. Ranges are added and removed first; then
// ConfigureMemoryBanks freezes them and builds the per bank bookkeeping, exactly once.
type MemoryManager struct {
	threadIDs   []uint32
	seed        uint64
	definitions map[MemoryBankID]*bankDefinition
	banks       map[MemoryBankID]*MemoryBank
	configured  bool
	exclusive   [][]string
}

func NewMemoryManager(threadIDs []uint32, seed uint64) *MemoryManager {
	return &MemoryManager{
		threadIDs:   append([]uint32(nil), threadIDs...),
		seed:        seed,
		definitions: make(map[MemoryBankID]*bankDefinition),
		banks:       make(map[MemoryBankID]*MemoryBank),
	}
}

func (s *MemoryManager) definition(bank MemoryBankID) *bankDefinition {
	def, ok := s.definitions[bank]
	if !ok {
		def = &bankDefinition{name: fmt.Sprintf("bank%d", bank), ranges: ds.NewConstraintSet()}
		s.definitions[bank] = def
	}
	return def
}

// DefineBank names a bank and chooses its constraint kind. owner is only used by
// SingleThreadConstraint banks.
func (s *MemoryManager) DefineBank(bank MemoryBankID, name string, kind ConstraintKind, owner uint32) *errors.Error {
	if s.configured {
		return failure.Fatal(failure.CodeBanksConfigured, "DefineBank %s after ConfigureMemoryBanks", name)
	}
	def := s.definition(bank)
	def.name = name
	def.kind = kind
	def.owner = owner
	return nil
}

// AddExclusiveTraits declares a mutually exclusive trait group for every bank.
func (s *MemoryManager) AddExclusiveTraits(names ...string) {
	s.exclusive = append(s.exclusive, names)
	for _, bank := range s.banks {
		bank.traits.AddExclusiveTraits(names...)
	}
}

func (s *MemoryManager) AddMemoryRange(bank MemoryBankID, from, to uint64) *errors.Error {
	if s.configured {
		return failure.Fatal(failure.CodeBanksConfigured, "AddMemoryRange %s after ConfigureMemoryBanks", hexRange(from, to))
	}
	s.definition(bank).ranges.AddRange(from, to)
	return nil
}

func (s *MemoryManager) SubMemoryRange(bank MemoryBankID, from, to uint64) *errors.Error {
	if s.configured {
		return failure.Fatal(failure.CodeBanksConfigured, "SubMemoryRange %s after ConfigureMemoryBanks", hexRange(from, to))
	}
	s.definition(bank).ranges.SubRange(from, to)
	return nil
}

func (s *MemoryManager) ConfigureMemoryBanks() *errors.Error {
	if s.configured {
		return failure.Fatal(failure.CodeBanksConfigured, "ConfigureMemoryBanks called twice")
	}
	for id, def := range s.definitions {
		bank := &MemoryBank{
			ID:     id,
			Name:   def.name,
			traits: NewMemoryTraitsManager(),
			ranges: def.ranges.Clone(),
			data:   make(map[uint64]byte),
			instr:  ds.NewConstraintSet(),
			seed:   s.seed + uint64(id),
		}
		switch def.kind {
		case SingleThreadConstraint:
			bank.constraint = NewSingleThreadMemoryConstraint(def.name, def.owner, def.ranges)
		default:
			bank.constraint = NewMultiThreadMemoryConstraint(def.name, s.threadIDs, def.ranges)
		}
		for _, group := range s.exclusive {
			bank.traits.AddExclusiveTraits(group...)
		}
		s.banks[id] = bank
		log.WithFields(log.Fields{"bank": def.name, "ranges": def.ranges.String()}).Info("Memory Bank Configured")
	}
	s.configured = true
	return nil
}

func (s *MemoryManager) IsConfigured() bool {
	return s.configured
}

func (s *MemoryManager) Bank(bank MemoryBankID) (*MemoryBank, *errors.Error) {
	if !s.configured {
		return nil, failure.Fatal(failure.CodeBanksNotConfigured, "Bank %d requested before ConfigureMemoryBanks", bank)
	}
	res, ok := s.banks[bank]
	if !ok {
		return nil, failure.Fatal(failure.CodeUnknownBank, "memory bank %d does not exist", bank)
	}
	return res, nil
}

// Banks lists the configured banks ordered by ID.
func (s *MemoryManager) Banks() []*MemoryBank {
	res := make([]*MemoryBank, 0, len(s.banks))
	for _, bank := range s.banks {
		res = append(res, bank)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (s *MemoryManager) ThreadIDs() []uint32 {
	return append([]uint32(nil), s.threadIDs...)
}
