package config

import (
	"os"
	"strings"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
)

type BankConfig struct {
	ID     uint32   `yaml:"id"`
	Name   string   `yaml:"name"`
	Ranges []string `yaml:"ranges"`
	// Kind is "multi_thread" (default) or "single_thread".
	Kind  string `yaml:"kind"`
	Owner uint32 `yaml:"owner"`
}

// PcExclusion is the window around the current PC that generated addresses avoid.
type PcExclusion struct {
	Before uint64 `yaml:"before"`
	After  uint64 `yaml:"after"`
}

type SpAlignmentConfig struct {
	Weights map[string]uint64 `yaml:"weights"`
	// Force overrides the weighted choice with "aligned" or "unaligned".
	Force string `yaml:"force"`
}

type TraitConfig struct {
	Name   string   `yaml:"name"`
	Ranges []string `yaml:"ranges"`
}

type Config struct {
	Seed              uint64   `yaml:"seed"`
	LogLevel          string   `yaml:"log_level"`
	Threads           []uint32 `yaml:"threads"`
	MaxAddressRetries int      `yaml:"max_address_retries"`
	// PagingMode is "bare", "sv39" or "sv48".
	PagingMode      string               `yaml:"paging_mode"`
	MemoryBanks     []BankConfig         `yaml:"memory_banks"`
	PageSizeWeights map[string]uint64    `yaml:"page_size_weights"`
	PteFields       map[string]string    `yaml:"pte_fields"`
	AliasExclusion  []string             `yaml:"alias_exclusion"`
	BranchWindow    PcExclusion          `yaml:"branch_pc_exclusion"`
	NonBranchWindow PcExclusion          `yaml:"non_branch_pc_exclusion"`
	SpAlignment     SpAlignmentConfig    `yaml:"sp_alignment"`
	ExclusiveTraits [][]string           `yaml:"exclusive_traits"`
	GlobalTraits    []TraitConfig        `yaml:"global_traits"`
	Elf             string               `yaml:"elf"`
	Output          string               `yaml:"output"`
	Extra           map[string]yaml.Node `yaml:",inline"`
}

// Default is the configuration used when no file is given: one shared bank at 0x80000000,
// Sv39 paging and two hardware threads.
func Default() *Config {
	return &Config{
		Seed:              1,
		LogLevel:          "info",
		Threads:           []uint32{0, 1},
		MaxAddressRetries: 64,
		PagingMode:        "sv39",
		MemoryBanks: []BankConfig{
			{ID: 0, Name: "default", Ranges: []string{"0x80000000-0x8fffffff"}, Kind: "multi_thread"},
		},
		PageSizeWeights: map[string]uint64{"4K": 80, "2M": 15, "1G": 5},
		BranchWindow:    PcExclusion{Before: 0x40, After: 0x40},
		NonBranchWindow: PcExclusion{Before: 0x10, After: 0x10},
		SpAlignment: SpAlignmentConfig{
			Weights: map[string]uint64{"aligned": 90, "unaligned": 10},
		},
		ExclusiveTraits: [][]string{{"WB", "WT", "NC"}},
		Output:          "test.img",
	}
}

// Parse decodes data over Default, so a file only lists what it changes.
func Parse(data []byte) (*Config, *errors.Error) {
	given := Config{}
	if err := yaml.Unmarshal(data, &given); err != nil {
		return nil, errors.WrapPrefix(err, "parse config", 0)
	}
	res := Default()
	// yaml merges into existing maps; a table given in the file replaces the default one.
	if given.PageSizeWeights != nil {
		res.PageSizeWeights = nil
	}
	if given.SpAlignment.Weights != nil {
		res.SpAlignment.Weights = nil
	}
	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, errors.WrapPrefix(err, "parse config", 0)
	}
	for key := range res.Extra {
		log.WithFields(log.Fields{"key": key}).Warn("Unknown Config Key")
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func Load(path string) (*Config, *errors.Error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	log.WithFields(log.Fields{"path": path}).Info("Load Config")
	return Parse(data)
}

func (s *Config) Validate() *errors.Error {
	if len(s.Threads) == 0 {
		return errors.Errorf("config: at least one thread is required")
	}
	if s.MaxAddressRetries < 0 {
		return errors.Errorf("config: max_address_retries must not be negative")
	}
	switch s.PagingMode {
	case "bare", "sv39", "sv48":
	default:
		return errors.Errorf("config: unknown paging_mode %q", s.PagingMode)
	}
	if len(s.MemoryBanks) == 0 {
		return errors.Errorf("config: no memory banks")
	}
	seen := map[uint32]bool{}
	for _, bank := range s.MemoryBanks {
		if seen[bank.ID] {
			return errors.Errorf("config: memory bank %d defined twice", bank.ID)
		}
		seen[bank.ID] = true
		if _, err := ParseRanges(bank.Ranges); err != nil {
			return errors.WrapPrefix(err, "config: bank "+bank.Name, 0)
		}
		switch bank.Kind {
		case "", "multi_thread", "single_thread":
		default:
			return errors.Errorf("config: bank %s has unknown kind %q", bank.Name, bank.Kind)
		}
	}
	for name := range s.PageSizeWeights {
		if _, err := ParseSize(name); err != nil {
			return err
		}
	}
	switch s.SpAlignment.Force {
	case "", "aligned", "unaligned":
	default:
		return errors.Errorf("config: sp_alignment.force must be aligned or unaligned, got %q", s.SpAlignment.Force)
	}
	if _, err := ParseRanges(s.AliasExclusion); err != nil {
		return err
	}
	for _, trait := range s.GlobalTraits {
		if _, err := ParseRanges(trait.Ranges); err != nil {
			return err
		}
	}
	if _, err := s.PteFieldConstraints(); err != nil {
		return err
	}
	return nil
}

// ApplyLogLevel configures the global logrus level.
func (s *Config) ApplyLogLevel() *errors.Error {
	if s.LogLevel == "" {
		return nil
	}
	level, err := log.ParseLevel(s.LogLevel)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	log.SetLevel(level)
	return nil
}

// ParseRanges joins a list of constraint texts ("0x1000-0x1fff", "0x3000") into one set.
func ParseRanges(texts []string) (*ds.ConstraintSet, *errors.Error) {
	res := ds.NewConstraintSet()
	for _, text := range texts {
		cs, err := ds.ParseConstraintSet(text)
		if err != nil {
			return nil, err
		}
		res.MergeConstraintSet(cs)
	}
	return res, nil
}

// ParseSize reads sizes such as "4K", "2M", "1G", "512G" or a plain number.
func ParseSize(text string) (uint64, *errors.Error) {
	text = strings.TrimSpace(strings.ToUpper(text))
	shift := uint(0)
	switch {
	case strings.HasSuffix(text, "K"):
		shift = 10
	case strings.HasSuffix(text, "M"):
		shift = 20
	case strings.HasSuffix(text, "G"):
		shift = 30
	}
	if shift != 0 {
		text = text[:len(text)-1]
	}
	cs, err := ds.ParseConstraintSet(text)
	if err != nil || cs.RangeCount() != 1 || cs.Size() != 1 {
		return 0, errors.Errorf("config: invalid size %q", text)
	}
	return cs.LowerBound() << shift, nil
}

// PageSizeWeightsBySize resolves the page size weight table to sizes in bytes.
func (s *Config) PageSizeWeightsBySize() map[uint64]uint64 {
	res := make(map[uint64]uint64)
	for name, weight := range s.PageSizeWeights {
		if size, err := ParseSize(name); err == nil {
			res[size] = weight
		}
	}
	return res
}

// PteFieldConstraints parses the per-field descriptor value constraints.
func (s *Config) PteFieldConstraints() (map[string]*ds.ConstraintSet, *errors.Error) {
	res := make(map[string]*ds.ConstraintSet)
	for field, text := range s.PteFields {
		cs, err := ds.ParseConstraintSet(text)
		if err != nil {
			return nil, errors.WrapPrefix(err, "config: pte field "+field, 0)
		}
		res[strings.ToUpper(field)] = cs
	}
	return res, nil
}

func (s *Config) PcExclusion(isBranch bool) PcExclusion {
	if isBranch {
		return s.BranchWindow
	}
	return s.NonBranchWindow
}
