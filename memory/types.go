package memory

import (
	"fmt"
	"strings"
)

type MemDataType uint

const (
	DataTypeInstruction MemDataType = 1
	DataTypeData        MemDataType = 2
	DataTypeBoth        MemDataType = 3
)

func (t MemDataType) String() string {
	switch t {
	case DataTypeInstruction:
		return "Instruction"
	case DataTypeData:
		return "Data"
	case DataTypeBoth:
		return "Both"
	}
	return fmt.Sprintf("MemDataType(%d)", uint(t))
}

// IsData is true for any type that includes data accesses.
func (t MemDataType) IsData() bool {
	return t&DataTypeData != 0
}

type MemAccessType uint

const (
	AccessUnknown   MemAccessType = 0
	AccessRead      MemAccessType = 1
	AccessWrite     MemAccessType = 2
	AccessReadWrite MemAccessType = 3
)

func (t MemAccessType) String() string {
	switch t {
	case AccessUnknown:
		return "Unknown"
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	case AccessReadWrite:
		return "ReadWrite"
	}
	return fmt.Sprintf("MemAccessType(%d)", uint(t))
}

func ParseAccessType(name string) (MemAccessType, bool) {
	switch strings.ToLower(name) {
	case "", "unknown":
		return AccessUnknown, true
	case "read", "r":
		return AccessRead, true
	case "write", "w":
		return AccessWrite, true
	case "readwrite", "rw":
		return AccessReadWrite, true
	}
	return AccessUnknown, false
}

// AddressReuseMode says which kinds of earlier accesses a new access may land on.
type AddressReuseMode uint

const (
	ReadAfterRead AddressReuseMode = 1 << iota
	ReadAfterWrite
	WriteAfterRead
	WriteAfterWrite

	NoReuse  AddressReuseMode = 0
	AllReuse                  = ReadAfterRead | ReadAfterWrite | WriteAfterRead | WriteAfterWrite
)

func (m AddressReuseMode) IsEnabled(flags AddressReuseMode) bool {
	return m&flags == flags
}

func (m AddressReuseMode) String() string {
	names := []string{}
	for _, item := range []struct {
		flag AddressReuseMode
		name string
	}{{ReadAfterRead, "RAR"}, {ReadAfterWrite, "RAW"}, {WriteAfterRead, "WAR"}, {WriteAfterWrite, "WAW"}} {
		if m&item.flag != 0 {
			names = append(names, item.name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// reusePermissions tells whether earlier reads and earlier writes may be reused by access.
func (m AddressReuseMode) reusePermissions(access MemAccessType) (afterRead, afterWrite bool) {
	switch access {
	case AccessRead:
		return m.IsEnabled(ReadAfterRead), m.IsEnabled(ReadAfterWrite)
	case AccessWrite:
		return m.IsEnabled(WriteAfterRead), m.IsEnabled(WriteAfterWrite)
	}
	return m.IsEnabled(ReadAfterRead | WriteAfterRead), m.IsEnabled(ReadAfterWrite | WriteAfterWrite)
}
