package pco

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Affinity is a CPU bitmap, one bit per CPU number, ⌈n/8⌉ bytes wide where n
// is max(CPUCount(), minAffinityBits) (see NewAffinity). The zero value has no CPUs set
// and an Exec using it inherits affinity from this process instead.
type Affinity struct {
	bits []byte
}

// CPUCount returns the number of CPUs visible to this process.
func CPUCount() int {
	return runtime.NumCPU()
}

// minAffinityBits is the floor for a fresh bitmap's width, independent of
// runtime.NumCPU(): a CPU_SET-style mask conventionally supports far more
// CPU numbers than any one host exposes (Linux's own CPU_SETSIZE default is
// 1024 bits), so a config naming a CPU number beyond the local core count is
// not rejected by the bitmap itself; it reaches SchedSetaffinity when Exec
// applies the mask, and Exec only logs an error from that call, leaving the
// child on its inherited affinity.
const minAffinityBits = 64

// NewAffinity allocates a zeroed bitmap sized for max(CPUCount(), minAffinityBits).
func NewAffinity() *Affinity {
	n := CPUCount()
	if n < minAffinityBits {
		n = minAffinityBits
	}
	return &Affinity{bits: make([]byte, (n+7)/8)}
}

// Clone returns an independent copy, used when a PCO takes ownership of a
// caller-supplied bitmap.
func (a *Affinity) Clone() *Affinity {
	if a == nil {
		return nil
	}
	cp := make([]byte, len(a.bits))
	copy(cp, a.bits)
	return &Affinity{bits: cp}
}

// Zero clears every bit.
func (a *Affinity) Zero() {
	for i := range a.bits {
		a.bits[i] = 0
	}
}

// All sets every bit.
func (a *Affinity) All() {
	for i := range a.bits {
		a.bits[i] = 0xff
	}
}

// Set sets bit n. Returns an error if n is out of range.
func (a *Affinity) Set(n uint) error {
	idx, mask, err := a.index(n)
	if err != nil {
		return err
	}
	a.bits[idx] |= mask
	return nil
}

// Unset clears bit n.
func (a *Affinity) Unset(n uint) error {
	idx, mask, err := a.index(n)
	if err != nil {
		return err
	}
	a.bits[idx] &^= mask
	return nil
}

// IsSet reports whether bit n is set.
func (a *Affinity) IsSet(n uint) bool {
	idx, mask, err := a.index(n)
	if err != nil {
		return false
	}
	return a.bits[idx]&mask != 0
}

// Empty reports whether no bit is set (the "inherit" case).
func (a *Affinity) Empty() bool {
	if a == nil {
		return true
	}
	for _, b := range a.bits {
		if b != 0 {
			return false
		}
	}
	return true
}

func (a *Affinity) index(n uint) (int, byte, error) {
	idx := int(n / 8)
	if idx >= len(a.bits) {
		return 0, 0, fmt.Errorf("pco: cpu %d out of range (0-%d)", n, len(a.bits)*8-1)
	}
	return idx, byte(1 << (n % 8)), nil
}

// toUnixSet converts to the golang.org/x/sys/unix representation used by
// SchedSetaffinity.
func (a *Affinity) toUnixSet() *unix.CPUSet {
	var set unix.CPUSet
	set.Zero()
	for i := 0; i < len(a.bits)*8; i++ {
		if a.IsSet(uint(i)) {
			set.Set(i)
		}
	}
	return &set
}

// applyToPID pins pid to this affinity. Called in the parent immediately
// after the child is started; an empty bitmap means the child inherits.
func (a *Affinity) applyToPID(pid int) error {
	if a.Empty() {
		return nil
	}
	set := a.toUnixSet()
	return unix.SchedSetaffinity(pid, set)
}
