package uf2

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"

	"github.com/harp-tech/harp-regulator/pkg/pico"
)

// ErrHole is returned by ReadStrict when part of the requested range holds no
// data.
var ErrHole = errors.New("uf2: region does not contain data")

type span struct {
	start, end uint32
	block      int
}

// View is an address ordered index over the blocks of one family in a File.
// Views are immutable once built.
type View struct {
	file   *File
	family Family
	spans  []span

	min, max    uint32
	binaryStart uint32
}

// NewView indexes the flashable blocks of file belonging to family. With
// FamilyNone only blocks that declare no family are selected. Overlapping or
// oversized blocks are reported as *MalformedError.
func NewView(file *File, family Family) (*View, error) {
	v := &View{file: file, family: family, min: math.MaxUint32}

	for i := range file.Blocks {
		b := &file.Blocks[i]
		if !b.flashable() {
			continue
		}
		// Checked only after the flashable filter in case an extension reuses
		// the field.
		if b.PayloadSize > MaxDataSize {
			return nil, &MalformedError{Block: i, Reason: fmt.Sprintf("payload size %d exceeds %d (family %v)", b.PayloadSize, MaxDataSize, family)}
		}
		if b.Family() != family {
			continue
		}

		s := span{start: b.TargetAddress, end: b.EndAddress(), block: i}
		if s.end < s.start {
			return nil, &MalformedError{Block: i, Reason: "payload wraps the address space"}
		}
		v.min = min(v.min, s.start)
		v.max = max(v.max, s.end)
		v.spans = append(v.spans, s)
	}

	slices.SortStableFunc(v.spans, func(a, b span) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})

	if len(v.spans) == 0 {
		v.min, v.max = 0, 0
	}

	for i := 1; i < len(v.spans); i++ {
		prev, cur := v.spans[i-1], v.spans[i]
		if prev.end > cur.start {
			return nil, &MalformedError{Block: cur.block, Reason: fmt.Sprintf("overlaps block %d (family %v)", prev.block, family)}
		}
	}

	v.binaryStart = v.findBinaryStart()
	return v, nil
}

// Family is the family the view selects.
func (v *View) Family() Family { return v.family }

// Len is the number of blocks in the view.
func (v *View) Len() int { return len(v.spans) }

// MinAddress is the lowest address targeted by the view, 0 when empty.
func (v *View) MinAddress() uint32 { return v.min }

// MaxAddress is the exclusive upper address targeted by the view, 0 when
// empty.
func (v *View) MaxAddress() uint32 { return v.max }

// Range spans MinAddress to MaxAddress.
func (v *View) Range() pico.AddressRange {
	return pico.AddressRange{Start: v.min, End: v.max}
}

// Find returns the index of the block containing addr. When no block contains
// addr it returns the index of the first block after addr and false.
func (v *View) Find(addr uint32) (int, bool) {
	i := sort.Search(len(v.spans), func(i int) bool { return v.spans[i].end > addr })
	if i < len(v.spans) && v.spans[i].start <= addr {
		return i, true
	}
	return i, false
}

// Blocks yields, in address order, the blocks intersecting r.
func (v *View) Blocks(r pico.AddressRange) iter.Seq[*Block] {
	return func(yield func(*Block) bool) {
		if r.Empty() {
			return
		}
		i, _ := v.Find(r.Start)
		for ; i < len(v.spans) && v.spans[i].start < r.End; i++ {
			if !yield(&v.file.Blocks[v.spans[i].block]) {
				return
			}
		}
	}
}

// All yields every block in address order.
func (v *View) All() iter.Seq[*Block] {
	return func(yield func(*Block) bool) {
		for _, s := range v.spans {
			if !yield(&v.file.Blocks[s.block]) {
				return
			}
		}
	}
}

// CoalescedRanges returns the maximal runs of contiguous blocks.
func (v *View) CoalescedRanges() []pico.AddressRange {
	var out []pico.AddressRange
	var acc pico.AddressRange
	for _, s := range v.spans {
		if !acc.Empty() && acc.End == s.start {
			acc.End = s.end
			continue
		}
		if !acc.Empty() {
			out = append(out, acc)
		}
		acc = pico.AddressRange{Start: s.start, End: s.end}
	}
	if !acc.Empty() {
		out = append(out, acc)
	}
	return out
}

// ReadMemory copies the bytes at [addr, addr+len(buf)) into buf, filling
// holes with zeros.
func (v *View) ReadMemory(addr uint32, buf []byte) error {
	return v.read(addr, buf, true)
}

// ReadStrict is ReadMemory without hole filling. Any gap is reported as
// ErrHole.
func (v *View) ReadStrict(addr uint32, buf []byte) error {
	return v.read(addr, buf, false)
}

func (v *View) read(addr uint32, buf []byte, fill bool) error {
	if uint64(addr)+uint64(len(buf)) > math.MaxUint32+1 {
		return fmt.Errorf("uf2: read of %d bytes at 0x%08X wraps the address space", len(buf), addr)
	}

	next := addr
	r := pico.AddressRange{Start: addr, End: addr + uint32(len(buf))}
	for b := range v.Blocks(r) {
		if next < b.TargetAddress {
			n := b.TargetAddress - next
			if !fill {
				return fmt.Errorf("%w: 0x%08X..0x%08X", ErrHole, next, b.TargetAddress)
			}
			clear(buf[:n])
			buf = buf[n:]
			next = b.TargetAddress
		}

		data := b.Data()[next-b.TargetAddress:]
		n := copy(buf, data)
		buf = buf[n:]
		next += uint32(n)
	}

	if len(buf) > 0 {
		if !fill {
			return fmt.Errorf("%w: 0x%08X..0x%08X", ErrHole, next, next+uint32(len(buf)))
		}
		clear(buf)
	}
	return nil
}

// ChipModel is the chip targeted by the view's family.
func (v *View) ChipModel() (pico.Model, error) { return v.family.Model(), nil }

// BinaryStart is the address execution begins at, or 0 when the view holds no
// bootable image.
func (v *View) BinaryStart() uint32 { return v.binaryStart }

// findBinaryStart prefers an image covering the start of flash, then the
// lowest SRAM block, then the lowest XIP SRAM block.
func (v *View) findBinaryStart() uint32 {
	model := v.family.Model()

	result := uint32(math.MaxUint32)
	resultType := pico.MemoryInvalid
	for b := range v.All() {
		if b.AddressRange().Contains(pico.FlashStart) {
			return pico.FlashStart
		}

		t := pico.TypeOf(b.TargetAddress, model)
		if t != pico.MemorySRAM && t != pico.MemoryXIPSRAM {
			continue
		}
		switch {
		case resultType == pico.MemoryInvalid,
			t == pico.MemorySRAM && resultType == pico.MemoryXIPSRAM,
			t == resultType && b.TargetAddress < result:
			result, resultType = b.TargetAddress, t
		}
	}

	if resultType == pico.MemoryInvalid {
		return 0
	}
	return result
}

// MemoryTypes returns the sorted set of memory types the view writes to. A
// view of a non Pico family yields nil.
func (v *View) MemoryTypes() []pico.MemoryType {
	model := v.family.Model()
	if model == pico.ModelUnknown {
		return nil
	}

	var types []pico.MemoryType
	for b := range v.All() {
		types = append(types, pico.TypeOf(b.TargetAddress, model))
	}
	slices.Sort(types)
	return slices.Compact(types)
}

// UsedFlashRange spans the flash blocks in the view. Without flash blocks it
// is the empty range at the start of flash.
func (v *View) UsedFlashRange() pico.AddressRange {
	flash := pico.FlashRange(v.family.Model())
	used := pico.AddressRange{Start: math.MaxUint32}
	for b := range v.Blocks(flash) {
		used.Start = min(used.Start, b.TargetAddress)
		used.End = max(used.End, b.EndAddress())
	}
	if used.End < used.Start {
		return pico.AddressRange{Start: flash.Start, End: flash.Start}
	}
	return used
}

// Validate checks that every block lies within a single loadable memory type
// (flash, SRAM or XIP SRAM).
func (v *View) Validate() error {
	model := v.family.Model()
	for _, s := range v.spans {
		start, end := pico.TypeOf(s.start, model), pico.TypeOf(s.end, model)
		if start != end {
			return &MalformedError{Block: s.block, Reason: fmt.Sprintf("0x%08X..0x%08X spans %v and %v", s.start, s.end, start, end)}
		}
		switch start {
		case pico.MemoryFlash, pico.MemorySRAM, pico.MemoryXIPSRAM:
		default:
			return &MalformedError{Block: s.block, Reason: fmt.Sprintf("0x%08X..0x%08X targets %v memory", s.start, s.end, start)}
		}
	}
	return nil
}

func (v *View) String() string {
	return fmt.Sprintf("%v view of %v", v.family, v.file)
}

var _ pico.MemoryReader = (*View)(nil)
