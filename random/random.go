package random

import (
	"math/rand"
	"sort"

	"github.com/OneOfOne/xxhash"
)

const thread_salt = uint64(0xbbed475f4c2c4c03)
const mem_salt = uint64(0xa66aec150c63e3fe)

func to_byte_array(val uint64) []byte {
	bytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		bytes[i] = byte(val)
		val >>= 8
	}
	return bytes
}

func fast_hash(salt, val uint64) uint64 {
	return xxhash.Checksum64S(to_byte_array(val), salt)
}

// Random is the generator wide source of randomness. It is created once by the driver and
// handed to every component that samples; nothing reaches for a global.
type Random struct {
	seed uint64
	rnd  *rand.Rand
}

func NewRandom(seed uint64) *Random {
	return &Random{seed: seed, rnd: rand.New(rand.NewSource(int64(seed)))}
}

func (s *Random) Seed() uint64 {
	return s.seed
}

// ForThread derives an independent, reproducible stream for a hardware thread.
func (s *Random) ForThread(threadID uint32) *Random {
	return NewRandom(fast_hash(fast_hash(thread_salt, s.seed), uint64(threadID)))
}

func (s *Random) Uint64() uint64 {
	return s.rnd.Uint64()
}

// Uint64n returns a value in [0, n). n must be non-zero.
func (s *Random) Uint64n(n uint64) uint64 {
	if n&(n-1) == 0 {
		return s.rnd.Uint64() & (n - 1)
	}
	limit := ^uint64(0) - (^uint64(0) % n)
	for {
		v := s.rnd.Uint64()
		if v < limit {
			return v % n
		}
	}
}

// Range64 returns a value in [lo, hi].
func (s *Random) Range64(lo, hi uint64) uint64 {
	if lo > hi {
		lo, hi = hi, lo
	}
	span := hi - lo
	if span == ^uint64(0) {
		return s.rnd.Uint64()
	}
	return lo + s.Uint64n(span+1)
}

func (s *Random) Intn(n int) int {
	return s.rnd.Intn(n)
}

func (s *Random) Perm(n int) []int {
	return s.rnd.Perm(n)
}

func (s *Random) Bool() bool {
	return s.rnd.Uint64()&1 == 1
}

// ChooseWeighted picks a key of weights with probability proportional to its weight.
// Zero weights are never picked. ok is false when every weight is zero.
func (s *Random) ChooseWeighted(weights map[string]uint64) (string, bool) {
	keys := make([]string, 0, len(weights))
	total := uint64(0)
	for k, w := range weights {
		if w == 0 {
			continue
		}
		keys = append(keys, k)
		total += w
	}
	if total == 0 {
		return "", false
	}
	sort.Strings(keys)
	pick := s.Uint64n(total)
	for _, k := range keys {
		if pick < weights[k] {
			return k, true
		}
		pick -= weights[k]
	}
	return keys[len(keys)-1], true
}

// Data returns deterministic pseudo random bytes for addr, so the same seed always
// initializes the same memory with the same content.
func Data(seed, addr uint64, size int) []byte {
	res := make([]byte, size)
	base := fast_hash(mem_salt, seed)
	for i := 0; i < size; i++ {
		res[i] = byte(fast_hash(base, addr+uint64(i)))
	}
	return res
}
