package pico

import "testing"

func TestTypeOf(t *testing.T) {
	tests := []struct {
		addr  uint32
		model Model
		want  MemoryType
	}{
		{0x00000000, ModelRP2040, MemoryROM},
		{0x00004000, ModelRP2040, MemoryROM},
		{0x00004001, ModelRP2040, MemoryInvalid},
		{0x00006000, ModelRP2350, MemoryROM},
		{FlashStart, ModelRP2040, MemoryFlash},
		{FlashEndRP2040, ModelRP2040, MemoryFlash},
		{FlashEndRP2040 + 1, ModelRP2040, MemoryInvalid},
		{0x11800000, ModelRP2350, MemoryFlash},
		{SRAMStart, ModelRP2040, MemorySRAM},
		{SRAMEndRP2040 + 4, ModelRP2040, MemoryInvalid},
		{0x20080000, ModelRP2350, MemorySRAM},
		{MainRAMBankedStart, ModelRP2040, MemorySRAMUnstriped},
		{MainRAMBankedStart, ModelRP2350, MemoryInvalid},
		{XIPSRAMStartRP2040, ModelRP2040, MemoryXIPSRAM},
		{XIPSRAMStartRP2040, ModelRP2350, MemoryInvalid},
		{XIPSRAMStartRP2350, ModelRP2350, MemoryXIPSRAM},
		{XIPSRAMStartRP2350, ModelRP2040, MemoryInvalid},
		{0x14800000, ModelRP2350, MemoryInvalid},
	}

	for _, tt := range tests {
		if got := TypeOf(tt.addr, tt.model); got != tt.want {
			t.Errorf("TypeOf(0x%08X, %v) = %v, want %v", tt.addr, tt.model, got, tt.want)
		}
	}
}

func TestCheckSameRegion(t *testing.T) {
	if typ, err := CheckSameRegion(FlashStart, 256, ModelRP2040); err != nil || typ != MemoryFlash {
		t.Errorf("flash page: %v, %v", typ, err)
	}
	// Ending exactly at the region end still classifies as the same region.
	if _, err := CheckSameRegion(SRAMEndRP2040-256, 256, ModelRP2040); err != nil {
		t.Errorf("SRAM tail: %v", err)
	}
	if _, err := CheckSameRegion(SRAMEndRP2040-256, 512, ModelRP2040); err == nil {
		t.Error("range crossing the SRAM end was accepted")
	}
}

func TestFlashRange(t *testing.T) {
	if got := FlashRange(ModelRP2040).Size(); got != 16<<20 {
		t.Errorf("RP2040 flash window = %d bytes", got)
	}
	if got := FlashRange(ModelRP2350).Size(); got != 32<<20 {
		t.Errorf("RP2350 flash window = %d bytes", got)
	}
}
