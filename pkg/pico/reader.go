package pico

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Reader reads target memory.
type Reader interface {
	ReadMemory(addr uint32, buf []byte) error
}

// MemoryReader is target memory that holds a firmware binary. It is satisfied
// by both a firmware image and a live bootloader session, so metadata
// extraction works the same against either.
type MemoryReader interface {
	Reader

	// ChipModel identifies the chip the memory belongs to.
	ChipModel() (Model, error)

	// BinaryStart returns the load address of the binary, or 0 when it
	// cannot be determined.
	BinaryStart() uint32
}

// ReadUint32s reads n little endian words starting at addr.
func ReadUint32s(r Reader, addr uint32, n int) ([]uint32, error) {
	buf := make([]byte, n*4)
	if err := r.ReadMemory(addr, buf); err != nil {
		return nil, err
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return words, nil
}

// ReadUint32 reads a single little endian word.
func ReadUint32(r Reader, addr uint32) (uint32, error) {
	words, err := ReadUint32s(r, addr, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// MaxStringLength bounds null terminated strings read from target memory.
const MaxStringLength = 512

// ReadString reads a null terminated string of at most MaxStringLength bytes.
func ReadString(r Reader, addr uint32) (string, error) {
	buf := make([]byte, MaxStringLength)
	if err := r.ReadMemory(addr, buf); err != nil {
		return "", fmt.Errorf("read string at 0x%08X: %w", addr, err)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

const (
	bootromMagicAddr   uint32 = 0x00000010
	bootromMagicRP2040 uint32 = 0x01754d
	bootromMagicRP2350 uint32 = 0x02754d
)

// DetectModel identifies the chip from the bootrom magic word.
func DetectModel(r Reader) (Model, error) {
	magic, err := ReadUint32(r, bootromMagicAddr)
	if err != nil {
		return ModelUnknown, fmt.Errorf("read bootrom magic: %w", err)
	}

	// The top byte is the bootrom version.
	switch magic & 0xFFFFFF {
	case bootromMagicRP2040:
		return ModelRP2040, nil
	case bootromMagicRP2350:
		return ModelRP2350, nil
	}
	return ModelUnknown, fmt.Errorf("pico: unknown bootrom magic 0x%06X", magic&0xFFFFFF)
}
