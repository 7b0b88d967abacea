package image

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openhwgroup/force-riscv-sub005/memory"
)

// lineBytes is the most memory bytes one I or D line carries.
const lineBytes = 32

// Writer emits the text image of a generated test:
//
//	I <addr> <bytes>           instruction memory
//	D <addr> <bytes>           data memory
//	T <thread> <pc>            thread start
//	R <thread> <reg> <value>   initial register value
//	V <thread> <mode> <root>   translation root of a thread
//
// Every number is 16 hex digits, most significant first. Memory bytes are in address order
// with an underscore after every 8 bytes.
type Writer struct {
	out    *bufio.Writer
	digest *xxhash.XXHash64
	sink   io.Writer
	lines  int
	err    error
}

func NewWriter(w io.Writer) *Writer {
	out := bufio.NewWriter(w)
	digest := xxhash.New64()
	return &Writer{out: out, digest: digest, sink: io.MultiWriter(out, digest)}
}

func (s *Writer) line(format string, args ...interface{}) {
	if s.err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.sink, format+"\n", args...); err != nil {
		s.err = err
		return
	}
	s.lines++
}

func groupBytes(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 && i%8 == 0 {
			sb.WriteByte('_')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// Memory writes one segment of initialized memory, split into lines of at most lineBytes.
func (s *Writer) Memory(seg memory.Segment) {
	tag := "D"
	if seg.DataType == memory.DataTypeInstruction {
		tag = "I"
	}
	for off := 0; off < len(seg.Data); off += lineBytes {
		end := min(off+lineBytes, len(seg.Data))
		s.line("%s %016x %s", tag, seg.Addr+uint64(off), groupBytes(seg.Data[off:end]))
	}
}

// Bank writes all initialized memory of a bank.
func (s *Writer) Bank(bank *memory.MemoryBank) {
	segs := bank.Segments()
	for _, seg := range segs {
		s.Memory(seg)
	}
	log.WithFields(log.Fields{"bank": bank.Name, "segments": len(segs)}).Debug("Write Bank Image")
}

func (s *Writer) Thread(thread uint32, pc uint64) {
	s.line("T %016x %016x", thread, pc)
}

func (s *Writer) Register(thread uint32, reg int, val uint64) {
	s.line("R %016x %016x %016x", thread, reg, val)
}

func (s *Writer) Translation(thread uint32, mode, root uint64) {
	s.line("V %016x %016x %016x", thread, mode, root)
}

// Flush pushes buffered lines to the underlying writer and reports the first failure.
func (s *Writer) Flush() *errors.Error {
	if s.err == nil {
		s.err = s.out.Flush()
	}
	if s.err != nil {
		return errors.Wrap(s.err, 0)
	}
	log.WithFields(log.Fields{"lines": s.lines, "digest": fmt.Sprintf("%016x", s.digest.Sum64())}).Info("Image Written")
	return nil
}

// Digest is a hash of every line written so far, for comparing images across runs.
func (s *Writer) Digest() uint64 {
	return s.digest.Sum64()
}
