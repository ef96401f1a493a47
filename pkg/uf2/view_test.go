package uf2

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harp-tech/harp-regulator/pkg/pico"
)

type testBlock struct {
	addr   uint32
	family Family
	data   []byte
	flags  Flags
}

func pattern(seed byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}

func buildFile(t *testing.T, blocks ...testBlock) *File {
	t.Helper()
	f := &File{}
	for i, tb := range blocks {
		b, err := NewBlock(tb.addr, tb.family, tb.data)
		require.NoError(t, err)
		b.Flags |= tb.flags
		b.BlockNumber = uint32(i)
		b.BlockCount = uint32(len(blocks))
		f.Blocks = append(f.Blocks, b)
	}
	return f
}

func TestParseRoundTrip(t *testing.T) {
	src := buildFile(t,
		testBlock{addr: pico.FlashStart, family: FamilyRP2040, data: pattern(0, 256)},
		testBlock{addr: pico.FlashStart + 256, family: FamilyRP2040, data: pattern(1, 256)},
	)

	f, err := Parse(src.Encode())
	require.NoError(t, err)
	require.Len(t, f.Blocks, 2)
	assert.Equal(t, pico.FlashStart+256, f.Blocks[1].TargetAddress)
	assert.Equal(t, pattern(1, 256), f.Blocks[1].Data())
	assert.Equal(t, FamilyRP2040, f.Blocks[1].Family())
}

func TestParseMalformed(t *testing.T) {
	src := buildFile(t,
		testBlock{addr: pico.FlashStart, family: FamilyRP2040, data: pattern(0, 256)},
		testBlock{addr: pico.FlashStart + 256, family: FamilyRP2040, data: pattern(1, 256)},
	)
	raw := src.Encode()

	t.Run("length", func(t *testing.T) {
		_, err := Parse(raw[:BlockSize+1])
		var me *MalformedError
		require.True(t, errors.As(err, &me))
		assert.Equal(t, -1, me.Block)
	})

	t.Run("magic", func(t *testing.T) {
		bad := bytes.Clone(raw)
		bad[BlockSize+BlockSize-1] ^= 0xFF
		_, err := Parse(bad)
		var me *MalformedError
		require.True(t, errors.As(err, &me))
		assert.Equal(t, 1, me.Block)
	})
}

func TestReadFileAndSniff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.uf2")
	src := buildFile(t, testBlock{addr: pico.FlashStart, family: FamilyRP2350ARMS, data: pattern(0, 256)})
	require.NoError(t, os.WriteFile(path, src.Encode(), 0o644))

	assert.True(t, IsUF2File(path))
	f, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path)

	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("hello"), 0o644))
	assert.False(t, IsUF2File(other))
	assert.False(t, IsUF2File(filepath.Join(dir, "missing.uf2")))
}

func TestFamilyIDs(t *testing.T) {
	f := buildFile(t,
		testBlock{addr: pico.FlashStart, family: FamilyRP2350ARMS, data: pattern(0, 16)},
		testBlock{addr: pico.FlashStart, family: FamilyRP2040, data: pattern(0, 16)},
		testBlock{addr: pico.FlashStart + 16, family: FamilyRP2040, data: pattern(0, 16)},
		testBlock{addr: 0, family: FamilyAbsolute, data: pattern(0, 16), flags: FlagNotMainFlash},
		testBlock{addr: 0x100, family: FamilyData, data: nil},
		testBlock{addr: 0x200, data: pattern(0, 16)},
	)

	assert.Equal(t, []Family{FamilyNone, FamilyRP2040, FamilyRP2350ARMS}, f.FamilyIDs())
}

func TestViewFiltersFamily(t *testing.T) {
	f := buildFile(t,
		testBlock{addr: pico.FlashStart + 0x100, family: FamilyRP2040, data: pattern(0, 256)},
		testBlock{addr: 0x20000000, family: FamilyRP2350ARMS, data: pattern(0, 256)},
		testBlock{addr: pico.FlashStart, family: FamilyRP2040, data: pattern(0, 256)},
	)

	v, err := NewView(f, FamilyRP2040)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Len())
	assert.Equal(t, pico.FlashStart, v.MinAddress())
	assert.Equal(t, pico.FlashStart+0x200, v.MaxAddress())

	var order []uint32
	for b := range v.All() {
		order = append(order, b.TargetAddress)
	}
	assert.Equal(t, []uint32{pico.FlashStart, pico.FlashStart + 0x100}, order)

	unfiltered, err := NewView(f, FamilyNone)
	require.NoError(t, err)
	assert.Equal(t, 0, unfiltered.Len())
	assert.Equal(t, uint32(0), unfiltered.MinAddress())
	assert.Equal(t, uint32(0), unfiltered.MaxAddress())
}

func TestViewRejectsOverlap(t *testing.T) {
	f := buildFile(t,
		testBlock{addr: pico.FlashStart, family: FamilyRP2040, data: pattern(0, 256)},
		testBlock{addr: pico.FlashStart + 0xFF, family: FamilyRP2040, data: pattern(0, 256)},
	)

	_, err := NewView(f, FamilyRP2040)
	var me *MalformedError
	require.True(t, errors.As(err, &me), "got %v", err)
	assert.Equal(t, 1, me.Block)

	// The other family is unaffected.
	_, err = NewView(f, FamilyRP2350ARMS)
	assert.NoError(t, err)
}

func TestViewRejectsOversizedPayload(t *testing.T) {
	f := buildFile(t, testBlock{addr: pico.FlashStart, family: FamilyRP2040, data: pattern(0, 16)})
	f.Blocks[0].PayloadSize = MaxDataSize + 1

	_, err := NewView(f, FamilyRP2040)
	assert.True(t, IsMalformed(err), "got %v", err)
}

func TestViewFind(t *testing.T) {
	f := buildFile(t,
		testBlock{addr: 0x1000, family: FamilyRP2040, data: pattern(0, 0x100)},
		testBlock{addr: 0x2000, family: FamilyRP2040, data: pattern(0, 0x100)},
	)
	v, err := NewView(f, FamilyRP2040)
	require.NoError(t, err)

	tests := []struct {
		addr  uint32
		index int
		found bool
	}{
		{0x0000, 0, false},
		{0x1000, 0, true},
		{0x10FF, 0, true},
		{0x1100, 1, false},
		{0x2080, 1, true},
		{0x2100, 2, false},
	}
	for _, tt := range tests {
		i, ok := v.Find(tt.addr)
		assert.Equal(t, tt.index, i, "Find(0x%X)", tt.addr)
		assert.Equal(t, tt.found, ok, "Find(0x%X)", tt.addr)
	}

	var got []uint32
	for b := range v.Blocks(pico.AddressRange{Start: 0x1100, End: 0x2001}) {
		got = append(got, b.TargetAddress)
	}
	assert.Equal(t, []uint32{0x2000}, got)
}

func TestCoalescedRangesAndGapFill(t *testing.T) {
	f := buildFile(t,
		testBlock{addr: pico.FlashStart, family: FamilyRP2040, data: pattern(0x10, 256)},
		testBlock{addr: pico.FlashStart + 256, family: FamilyRP2040, data: pattern(0x20, 100)},
		testBlock{addr: pico.FlashStart + 0x400, family: FamilyRP2040, data: pattern(0x30, 256)},
	)
	v, err := NewView(f, FamilyRP2040)
	require.NoError(t, err)

	ranges := v.CoalescedRanges()
	require.Len(t, ranges, 2)
	assert.Equal(t, pico.AddressRange{Start: pico.FlashStart, End: pico.FlashStart + 356}, ranges[0])
	assert.Equal(t, pico.AddressRange{Start: pico.FlashStart + 0x400, End: pico.FlashStart + 0x500}, ranges[1])

	var total, payload uint32
	for _, r := range ranges {
		total += r.Size()
	}
	for b := range v.All() {
		payload += b.PayloadSize
	}
	assert.Equal(t, payload, total)

	buf := make([]byte, v.MaxAddress()-v.MinAddress())
	require.NoError(t, v.ReadMemory(v.MinAddress(), buf))

	var want []byte
	want = append(want, pattern(0x10, 256)...)
	want = append(want, pattern(0x20, 100)...)
	want = append(want, make([]byte, 0x400-356)...)
	want = append(want, pattern(0x30, 256)...)
	assert.Equal(t, want, buf)

	// Reads beyond the view are zero filled.
	tail := []byte{1, 2, 3, 4}
	require.NoError(t, v.ReadMemory(v.MaxAddress()-2, tail))
	last := pattern(0x30, 256)
	assert.Equal(t, []byte{last[254], last[255], 0, 0}, tail)

	err = v.ReadStrict(v.MinAddress(), buf)
	assert.ErrorIs(t, err, ErrHole)
	assert.NoError(t, v.ReadStrict(pico.FlashStart+8, make([]byte, 300)))
}

func TestBinaryStart(t *testing.T) {
	tests := []struct {
		name   string
		family Family
		blocks []testBlock
		want   uint32
	}{
		{
			name:   "flash image",
			family: FamilyRP2040,
			blocks: []testBlock{
				{addr: 0x20000000, data: pattern(0, 16)},
				{addr: pico.FlashStart, data: pattern(0, 16)},
			},
			want: pico.FlashStart,
		},
		{
			name:   "sram preferred over lower xip",
			family: FamilyRP2040,
			blocks: []testBlock{
				{addr: pico.XIPSRAMStartRP2040, data: pattern(0, 16)},
				{addr: 0x20001000, data: pattern(0, 16)},
				{addr: 0x20000100, data: pattern(0, 16)},
			},
			want: 0x20000100,
		},
		{
			name:   "xip only",
			family: FamilyRP2350ARMS,
			blocks: []testBlock{{addr: pico.XIPSRAMStartRP2350 + 0x100, data: pattern(0, 16)}},
			want:   pico.XIPSRAMStartRP2350 + 0x100,
		},
		{
			// Past the RP2350 XIP SRAM end but inside the RP2040 one.
			name:   "rp2040 xip beyond rp2350 window",
			family: FamilyRP2040,
			blocks: []testBlock{{addr: pico.XIPSRAMStartRP2040 + 0x2000, data: pattern(0, 16)}},
			want:   pico.XIPSRAMStartRP2040 + 0x2000,
		},
		{
			name:   "nothing bootable",
			family: FamilyRP2040,
			blocks: []testBlock{{addr: pico.FlashStart + 0x1000, data: pattern(0, 16)}},
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := range tt.blocks {
				tt.blocks[i].family = tt.family
			}
			v, err := NewView(buildFile(t, tt.blocks...), tt.family)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.BinaryStart())
		})
	}
}

func TestMemoryTypesAndValidate(t *testing.T) {
	f := buildFile(t,
		testBlock{addr: pico.FlashStart, family: FamilyRP2040, data: pattern(0, 256)},
		testBlock{addr: 0x20000000, family: FamilyRP2040, data: pattern(0, 256)},
		testBlock{addr: 0x100, family: FamilyRP2350ARMS, data: pattern(0, 256)},
		testBlock{addr: pico.SRAMEndRP2350 - 16, family: FamilyRP2350RISCV, data: pattern(0, 32)},
	)

	v, err := NewView(f, FamilyRP2040)
	require.NoError(t, err)
	assert.Equal(t, []pico.MemoryType{pico.MemoryFlash, pico.MemorySRAM}, v.MemoryTypes())
	assert.NoError(t, v.Validate())
	assert.Equal(t, pico.AddressRange{Start: pico.FlashStart, End: pico.FlashStart + 256}, v.UsedFlashRange())

	rom, err := NewView(f, FamilyRP2350ARMS)
	require.NoError(t, err)
	assert.Equal(t, []pico.MemoryType{pico.MemoryROM}, rom.MemoryTypes())
	assert.True(t, IsMalformed(rom.Validate()))
	assert.Equal(t, pico.AddressRange{Start: pico.FlashStart, End: pico.FlashStart}, rom.UsedFlashRange())

	straddle, err := NewView(f, FamilyRP2350RISCV)
	require.NoError(t, err)
	assert.True(t, IsMalformed(straddle.Validate()))

	none, err := NewView(f, FamilyData)
	require.NoError(t, err)
	assert.Nil(t, none.MemoryTypes())
}

func TestViewReadsFirmwareInfo(t *testing.T) {
	// An RP2350 image with the binary info header in the first page.
	img := make([]byte, 0x800)
	put := func(off int, v uint32) {
		img[off] = byte(v)
		img[off+1] = byte(v >> 8)
		img[off+2] = byte(v >> 16)
		img[off+3] = byte(v >> 24)
	}
	base := pico.FlashStart
	put(0x20, 0x7188ebf2)
	put(0x24, base+0x100)
	put(0x28, base+0x104)
	put(0x30, 0xe71aa390)
	put(0x100, base+0x200)
	img[0x200] = 6
	put(0x204, uint32(pico.IDProgramName))
	put(0x208, base+0x300)
	copy(img[0x300:], "harp_behavior\x00")

	var blocks []testBlock
	for off := 0; off < len(img); off += 256 {
		blocks = append(blocks, testBlock{addr: base + uint32(off), family: FamilyRP2350ARMS, data: img[off : off+256]})
	}
	v, err := NewView(buildFile(t, blocks...), FamilyRP2350ARMS)
	require.NoError(t, err)

	info, err := pico.ReadFirmwareInfo(v)
	require.NoError(t, err)
	assert.Equal(t, "harp_behavior", info.ProgramName)
}
