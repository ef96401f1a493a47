package pico

import "fmt"

// Model identifies the RP2 chip generation.
type Model uint8

const (
	ModelUnknown Model = iota
	ModelRP2040
	ModelRP2350
)

func (m Model) String() string {
	switch m {
	case ModelRP2040:
		return "RP2040"
	case ModelRP2350:
		return "RP2350"
	}
	return "Unknown"
}

// Memory map shared by the RP2040 and RP2350.
const (
	ROMStart       uint32 = 0x00000000
	ROMEndRP2040   uint32 = 0x00004000
	ROMEndRP2350   uint32 = 0x00008000
	FlashStart     uint32 = 0x10000000
	FlashEndRP2040 uint32 = 0x11000000
	FlashEndRP2350 uint32 = 0x12000000

	XIPSRAMStartRP2040 uint32 = 0x15000000
	XIPSRAMEndRP2040   uint32 = 0x15004000
	XIPSRAMStartRP2350 uint32 = 0x13ffc000
	XIPSRAMEndRP2350   uint32 = 0x14000000

	SRAMStart          uint32 = 0x20000000
	SRAMEndRP2040      uint32 = 0x20042000
	SRAMEndRP2350      uint32 = 0x20082000
	MainRAMBankedStart uint32 = 0x21000000
	MainRAMBankedEnd   uint32 = 0x21040000
)

// MemoryType classifies an address within a chip's memory map.
type MemoryType uint8

const (
	MemoryInvalid MemoryType = iota
	MemoryROM
	MemoryFlash
	MemorySRAM
	MemorySRAMUnstriped
	MemoryXIPSRAM
)

func (t MemoryType) String() string {
	switch t {
	case MemoryROM:
		return "rom"
	case MemoryFlash:
		return "flash"
	case MemorySRAM:
		return "sram"
	case MemorySRAMUnstriped:
		return "sram_unstriped"
	case MemoryXIPSRAM:
		return "xip_sram"
	}
	return "invalid"
}

// FriendlyName is the label used in user facing output.
func (t MemoryType) FriendlyName() string {
	switch t {
	case MemoryROM:
		return "ROM"
	case MemoryFlash:
		return "Flash"
	case MemorySRAM:
		return "SRAM"
	case MemorySRAMUnstriped:
		return "Unstriped SRAM"
	case MemoryXIPSRAM:
		return "XIP SRAM"
	}
	return "Invalid memory"
}

func (t MemoryType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Region bounds for one model. Unknown models use the larger RP2350 map.
type regions struct {
	romEnd, flashEnd, sramEnd, xipStart, xipEnd uint32
}

func regionsFor(model Model) regions {
	if model == ModelRP2040 {
		return regions{ROMEndRP2040, FlashEndRP2040, SRAMEndRP2040, XIPSRAMStartRP2040, XIPSRAMEndRP2040}
	}
	return regions{ROMEndRP2350, FlashEndRP2350, SRAMEndRP2350, XIPSRAMStartRP2350, XIPSRAMEndRP2350}
}

// TypeOf classifies addr for model. Region ends are inclusive so the exclusive
// end of a range classifies with its start.
func TypeOf(addr uint32, model Model) MemoryType {
	r := regionsFor(model)
	switch {
	case addr <= r.romEnd:
		return MemoryROM
	case addr >= FlashStart && addr <= r.flashEnd:
		return MemoryFlash
	case addr >= SRAMStart && addr <= r.sramEnd:
		return MemorySRAM
	case model == ModelRP2040 && addr >= MainRAMBankedStart && addr <= MainRAMBankedEnd:
		return MemorySRAMUnstriped
	case addr >= r.xipStart && addr <= r.xipEnd:
		return MemoryXIPSRAM
	}
	return MemoryInvalid
}

// FlashRange is the flash window addressable on model.
func FlashRange(model Model) AddressRange {
	return AddressRange{Start: FlashStart, End: regionsFor(model).flashEnd}
}

// SRAMEnd is the end of striped SRAM on model.
func SRAMEnd(model Model) uint32 { return regionsFor(model).sramEnd }

// XIPSRAMEnd is the end of the XIP cache SRAM on model.
func XIPSRAMEnd(model Model) uint32 { return regionsFor(model).xipEnd }

// CheckSameRegion verifies that [addr, addr+n) does not straddle two memory
// types.
func CheckSameRegion(addr uint32, n int, model Model) (MemoryType, error) {
	end := addr + uint32(n)
	start, last := TypeOf(addr, model), TypeOf(end, model)
	if start != last {
		return start, fmt.Errorf("pico: range 0x%08X..0x%08X spans %v and %v", addr, end, start, last)
	}
	return start, nil
}
