package uf2

import (
	"fmt"

	"github.com/harp-tech/harp-regulator/pkg/pico"
)

// Family is a UF2 board family ID.
type Family uint32

// FamilyNone selects blocks that do not declare a family.
const FamilyNone Family = 0

// Raspberry Pi family IDs.
const (
	FamilyRP2040      Family = 0xe48bff56
	FamilyAbsolute    Family = 0xe48bff57
	FamilyData        Family = 0xe48bff58
	FamilyRP2350ARMS  Family = 0xe48bff59
	FamilyRP2350RISCV Family = 0xe48bff5a
	FamilyRP2350ARMNS Family = 0xe48bff5b
)

var familyDescriptions = map[Family]string{
	FamilyNone:        "none",
	FamilyRP2040:      "RP2040",
	FamilyAbsolute:    "absolute",
	FamilyData:        "data",
	FamilyRP2350ARMS:  "RP2350 ARM (secure)",
	FamilyRP2350RISCV: "RP2350 RISC-V",
	FamilyRP2350ARMNS: "RP2350 ARM (non-secure)",
}

// String describes the family, falling back to its hex ID.
func (f Family) String() string {
	if d, ok := familyDescriptions[f]; ok {
		return d
	}
	return fmt.Sprintf("0x%08x", uint32(f))
}

// Model maps a family to the chip it targets.
func (f Family) Model() pico.Model {
	switch f {
	case FamilyRP2040:
		return pico.ModelRP2040
	case FamilyRP2350ARMS, FamilyRP2350RISCV, FamilyRP2350ARMNS:
		return pico.ModelRP2350
	}
	return pico.ModelUnknown
}

// IsPico reports whether the family targets a known RP2 chip.
func (f Family) IsPico() bool { return f.Model() != pico.ModelUnknown }

func (f Family) MarshalText() ([]byte, error) { return []byte(f.String()), nil }
