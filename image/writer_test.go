package image

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhwgroup/force-riscv-sub005/memory"
)

func TestWriteImage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Memory(memory.Segment{Addr: 0x8000_0000, Data: []byte{0x13, 0, 0, 0, 0x6f, 0, 0, 0, 0xaa}, DataType: memory.DataTypeInstruction})
	w.Memory(memory.Segment{Addr: 0x8000_1000, Data: []byte{1, 2}, DataType: memory.DataTypeData})
	w.Thread(1, 0x8000_0000)
	w.Register(1, 2, 0x8000_2000)
	w.Translation(1, 8, 0x8000_3000)
	require.Nil(t, w.Flush())

	expected := strings.Join([]string{
		"I 0000000080000000 130000006f000000_aa",
		"D 0000000080001000 0102",
		"T 0000000000000001 0000000080000000",
		"R 0000000000000001 0000000000000002 0000000080002000",
		"V 0000000000000001 0000000000000008 0000000080003000",
		"",
	}, "\n")
	assert.Equal(t, expected, buf.String())
}

func TestLongSegmentsAreSplit(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Memory(memory.Segment{Addr: 0x1000, Data: make([]byte, lineBytes+4), DataType: memory.DataTypeData})
	require.Nil(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "D 0000000000001000 "))
	assert.Equal(t, 3, strings.Count(lines[0], "_"))
	assert.Equal(t, "D 0000000000001020 00000000", lines[1])
}

func TestDigestFollowsContent(t *testing.T) {
	write := func(pc uint64) uint64 {
		w := NewWriter(&bytes.Buffer{})
		w.Thread(0, pc)
		require.Nil(t, w.Flush())
		return w.Digest()
	}
	assert.Equal(t, write(0x1000), write(0x1000))
	assert.NotEqual(t, write(0x1000), write(0x2000))
}

func TestWriteBank(t *testing.T) {
	mgr := memory.NewMemoryManager([]uint32{0}, 3)
	require.Nil(t, mgr.AddMemoryRange(memory.DefaultBank, 0x8000_0000, 0x8000_ffff))
	require.Nil(t, mgr.ConfigureMemoryBanks())
	bank, err := mgr.Bank(memory.DefaultBank)
	require.Nil(t, err)
	require.Nil(t, bank.Initialize(0x8000_0000, []byte{0x13, 0, 0, 0}, memory.DataTypeInstruction, memory.AccessRead, 0))
	require.Nil(t, bank.Initialize(0x8000_0004, []byte{7}, memory.DataTypeData, memory.AccessWrite, 0))

	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Bank(bank)
	require.Nil(t, w.Flush())
	assert.Equal(t, "I 0000000080000000 13000000\nD 0000000080000004 07\n", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestFlushReportsFailure(t *testing.T) {
	w := NewWriter(failingWriter{})
	w.Thread(0, 0)
	err := w.Flush()
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
