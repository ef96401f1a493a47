package uf2

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/harp-tech/harp-regulator/pkg/pico"
)

// Block layout constants.
const (
	BlockSize   = 512
	MaxDataSize = 476

	MagicStart0 uint32 = 0x0A324655
	MagicStart1 uint32 = 0x9E5D5157
	MagicEnd    uint32 = 0x0AB16F30

	dataOffset = 32
)

// Flags describe how a block is to be interpreted.
type Flags uint32

const (
	FlagNotMainFlash    Flags = 0x00000001
	FlagFileContainer   Flags = 0x00001000
	FlagFamilyIDPresent Flags = 0x00002000
	FlagMD5Present      Flags = 0x00004000
	FlagExtensionTags   Flags = 0x00008000

	flagKnownMask = FlagNotMainFlash | FlagFileContainer | FlagFamilyIDPresent | FlagMD5Present | FlagExtensionTags
)

// Has reports whether all bits of flag are set.
func (f Flags) Has(flag Flags) bool { return f&flag == flag }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	names := []struct {
		flag Flags
		name string
	}{
		{FlagNotMainFlash, "not-main-flash"},
		{FlagFileContainer, "file-container"},
		{FlagFamilyIDPresent, "family-id"},
		{FlagMD5Present, "md5"},
		{FlagExtensionTags, "extension-tags"},
	}
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ flagKnownMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Block is one 512 byte UF2 record. ExtraInfo holds the file size, the family
// ID or zero, depending on Flags.
type Block struct {
	Magic0        uint32
	Magic1        uint32
	Flags         Flags
	TargetAddress uint32
	PayloadSize   uint32
	BlockNumber   uint32
	BlockCount    uint32
	ExtraInfo     uint32
	data          [MaxDataSize]byte
	MagicEnd      uint32
}

// decodeBlock decodes one block from exactly BlockSize bytes.
func decodeBlock(raw []byte) Block {
	le := binary.LittleEndian
	b := Block{
		Magic0:        le.Uint32(raw[0:]),
		Magic1:        le.Uint32(raw[4:]),
		Flags:         Flags(le.Uint32(raw[8:])),
		TargetAddress: le.Uint32(raw[12:]),
		PayloadSize:   le.Uint32(raw[16:]),
		BlockNumber:   le.Uint32(raw[20:]),
		BlockCount:    le.Uint32(raw[24:]),
		ExtraInfo:     le.Uint32(raw[28:]),
		MagicEnd:      le.Uint32(raw[BlockSize-4:]),
	}
	copy(b.data[:], raw[dataOffset:dataOffset+MaxDataSize])
	return b
}

// Encode serializes the block into its 512 byte form.
func (b Block) Encode() []byte {
	le := binary.LittleEndian
	raw := make([]byte, BlockSize)
	le.PutUint32(raw[0:], b.Magic0)
	le.PutUint32(raw[4:], b.Magic1)
	le.PutUint32(raw[8:], uint32(b.Flags))
	le.PutUint32(raw[12:], b.TargetAddress)
	le.PutUint32(raw[16:], b.PayloadSize)
	le.PutUint32(raw[20:], b.BlockNumber)
	le.PutUint32(raw[24:], b.BlockCount)
	le.PutUint32(raw[28:], b.ExtraInfo)
	copy(raw[dataOffset:], b.data[:])
	le.PutUint32(raw[BlockSize-4:], b.MagicEnd)
	return raw
}

// NewBlock builds a valid main flash block carrying data for family. A zero
// family leaves the family flag clear.
func NewBlock(addr uint32, family Family, data []byte) (Block, error) {
	if len(data) > MaxDataSize {
		return Block{}, fmt.Errorf("uf2: payload of %d bytes exceeds %d", len(data), MaxDataSize)
	}
	b := Block{
		Magic0:        MagicStart0,
		Magic1:        MagicStart1,
		TargetAddress: addr,
		PayloadSize:   uint32(len(data)),
		MagicEnd:      MagicEnd,
	}
	if family != FamilyNone {
		b.Flags |= FlagFamilyIDPresent
		b.ExtraInfo = uint32(family)
	}
	copy(b.data[:], data)
	return b, nil
}

// Valid reports whether all three magic numbers match.
func (b *Block) Valid() bool {
	return b.Magic0 == MagicStart0 && b.Magic1 == MagicStart1 && b.MagicEnd == MagicEnd
}

// Data returns the payload, capped at MaxDataSize.
func (b *Block) Data() []byte {
	n := b.PayloadSize
	if n > MaxDataSize {
		n = MaxDataSize
	}
	return b.data[:n]
}

// Family returns the block's family ID, or FamilyNone when the block does not
// declare one.
func (b *Block) Family() Family {
	if !b.Flags.Has(FlagFamilyIDPresent) {
		return FamilyNone
	}
	return Family(b.ExtraInfo)
}

// EndAddress is the exclusive end of the payload.
func (b *Block) EndAddress() uint32 { return b.TargetAddress + b.PayloadSize }

// AddressRange is the range the payload targets.
func (b *Block) AddressRange() pico.AddressRange {
	return pico.AddressRange{Start: b.TargetAddress, End: b.EndAddress()}
}

// flashable reports whether the block carries main flash payload.
func (b *Block) flashable() bool {
	return !b.Flags.Has(FlagNotMainFlash) && b.PayloadSize != 0
}
