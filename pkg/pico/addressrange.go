package pico

import "fmt"

// AddressRange is the half-open interval [Start, End) of 32-bit addresses.
type AddressRange struct {
	Start uint32
	End   uint32
}

// NewAddressRange returns [start, end). It fails when end < start.
func NewAddressRange(start, end uint32) (AddressRange, error) {
	if end < start {
		return AddressRange{}, fmt.Errorf("pico: range end 0x%08X precedes start 0x%08X", end, start)
	}
	return AddressRange{Start: start, End: end}, nil
}

// Size returns the number of addresses in the range.
func (r AddressRange) Size() uint32 { return r.End - r.Start }

// Empty reports whether the range holds no addresses.
func (r AddressRange) Empty() bool { return r.End <= r.Start }

// Contains reports whether addr lies inside the range.
func (r AddressRange) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.End
}

// ContainsRange reports whether other lies entirely inside r.
func (r AddressRange) ContainsRange(other AddressRange) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// Overlaps reports whether the two ranges share at least one address.
func (r AddressRange) Overlaps(other AddressRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Aligned widens the range so both ends are multiples of alignment, which must
// be a power of two.
func (r AddressRange) Aligned(alignment uint32) AddressRange {
	mask := alignment - 1
	end := uint64(r.End) + uint64(mask)
	end &^= uint64(mask)
	if end > 0xFFFFFFFF {
		end = 0xFFFFFFFF &^ uint64(mask)
	}
	return AddressRange{Start: r.Start &^ mask, End: uint32(end)}
}

// IsAligned reports whether both ends are multiples of alignment.
func (r AddressRange) IsAligned(alignment uint32) bool {
	mask := alignment - 1
	return r.Start&mask == 0 && r.End&mask == 0
}

func (r AddressRange) String() string {
	return fmt.Sprintf("0x%08X..0x%08X", r.Start, r.End)
}
