package upload

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harp-tech/harp-regulator/pkg/pico"
	"github.com/harp-tech/harp-regulator/pkg/picoboot"
	"github.com/harp-tech/harp-regulator/pkg/uf2"
)

const (
	imageSize    = 0x2500
	blockPayload = 256
)

// firmwareImage returns a flash image with a binary info table holding
// fields. The header sits at 0x20, within the RP2350 search window.
func firmwareImage(fields map[pico.BinaryInfoID]string) []byte {
	img := make([]byte, imageSize)
	for i := range img {
		img[i] = byte(i*7) + byte(i>>8)
	}
	if len(fields) == 0 {
		return img
	}

	const (
		header  = 0x20
		table   = 0x1000
		entries = 0x1400
		strs    = 0x2000
	)
	le := binary.LittleEndian
	put := func(off uint32, v uint32) { le.PutUint32(img[off:], v) }

	put(header, 0x7188ebf2)
	put(header+4, pico.FlashStart+table)
	put(header+8, pico.FlashStart+table+uint32(4*len(fields)))
	put(header+12, 0)
	put(header+16, 0xe71aa390)

	i := uint32(0)
	for id, value := range fields {
		entry := entries + 12*i
		str := strs + 0x100*i
		put(table+4*i, pico.FlashStart+entry)
		le.PutUint16(img[entry:], 6)
		le.PutUint16(img[entry+2:], 0)
		put(entry+4, uint32(id))
		put(entry+8, pico.FlashStart+str)
		copy(img[str:], value+"\x00")
		i++
	}
	return img
}

func addBlocks(t *testing.T, f *uf2.File, family uf2.Family, base uint32, data []byte) {
	t.Helper()
	for off := 0; off < len(data); off += blockPayload {
		b, err := uf2.NewBlock(base+uint32(off), family, data[off:min(off+blockPayload, len(data))])
		require.NoError(t, err)
		f.Blocks = append(f.Blocks, b)
	}
	for i := range f.Blocks {
		f.Blocks[i].BlockNumber = uint32(i)
		f.Blocks[i].BlockCount = uint32(len(f.Blocks))
	}
}

func harpFirmware() map[pico.BinaryInfoID]string {
	return map[pico.BinaryInfoID]string{
		pico.IDProgramName:        "clock-sync",
		pico.IDProgramDescription: "Harp1152|Fw1.1.0|Clock Synchronizer",
	}
}

func viewOf(t *testing.T, f *uf2.File, family uf2.Family) *uf2.View {
	t.Helper()
	view, err := uf2.NewView(f, family)
	require.NoError(t, err)
	return view
}

func newSession(t *testing.T, sim *picoboot.SimTransport) *picoboot.Device {
	t.Helper()
	session, err := picoboot.New(sim, picoboot.WithModel(sim.Model))
	require.NoError(t, err)
	sim.Commands = nil
	return session
}

func countCommands(sim *picoboot.SimTransport, id picoboot.CommandID) int {
	n := 0
	for _, c := range sim.CommandIDs() {
		if c == id {
			n++
		}
	}
	return n
}

func TestSelectView(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(nil))
	addBlocks(t, f, uf2.FamilyData, pico.FlashStart+0x100000, make([]byte, 256))

	view, err := SelectView(f)
	require.NoError(t, err)
	assert.Equal(t, uf2.FamilyRP2350ARMS, view.Family())

	_, err = SelectView(&uf2.File{})
	assert.ErrorIs(t, err, ErrNoApplicableFamily)

	addBlocks(t, f, uf2.FamilyRP2040, pico.FlashStart, make([]byte, 256))
	_, err = SelectView(f)
	var ambiguous *AmbiguousFamilyError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, []uf2.Family{uf2.FamilyRP2040, uf2.FamilyRP2350ARMS}, ambiguous.Families)
}

func TestSelectViewRejectsROM(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2040, pico.ROMStart+0x100, make([]byte, 256))
	_, err := SelectView(f)
	assert.True(t, uf2.IsMalformed(err), "got %v", err)
}

func TestUploadFlashAndSRAM(t *testing.T) {
	img := firmwareImage(harpFirmware())
	sramData := bytes.Repeat([]byte{0xA5}, 512)

	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, img)
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.SRAMStart+0x100, sramData)
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	sim := picoboot.NewSimTransport(pico.ModelRP2350, 1<<20)
	session := newSession(t, sim)

	var progress []Progress
	err := Upload(context.Background(), session, view, WithProgressCallback(func(p Progress) {
		progress = append(progress, p)
	}))
	require.NoError(t, err)

	assert.Equal(t, img, sim.Flash[:imageSize])
	assert.Equal(t, make([]byte, 0x3000-imageSize), sim.Flash[imageSize:0x3000], "sector padding is written as zeros")
	assert.Equal(t, byte(0xFF), sim.Flash[0x3000], "flash beyond the image is untouched")
	assert.Equal(t, sramData, sim.SRAM[0x100:0x300])

	ids := sim.CommandIDs()
	exitXIP := slices.Index(ids, picoboot.CmdExitXIP)
	erase := slices.Index(ids, picoboot.CmdFlashErase)
	require.GreaterOrEqual(t, exitXIP, 0)
	assert.Less(t, exitXIP, erase)
	assert.Equal(t, 1, countCommands(sim, picoboot.CmdFlashErase))
	assert.Equal(t, 4, countCommands(sim, picoboot.CmdWrite))

	require.NotNil(t, sim.LastReboot)
	assert.Equal(t, picoboot.Reboot2FlashUpdate, sim.LastReboot.Flags)
	assert.Equal(t, pico.FlashStart, sim.LastReboot.Param0)

	const total = 0x3000 + 512
	require.NotEmpty(t, progress)
	assert.Equal(t, PhaseErase, progress[0].Phase)
	assert.Equal(t, pico.AddressRange{Start: pico.FlashStart, End: pico.FlashStart + 0x3000}, progress[0].Region)

	last := progress[len(progress)-1]
	assert.Equal(t, PhaseComplete, last.Phase)
	assert.Equal(t, 100.0, last.Percentage)
	assert.Equal(t, uint64(total), last.BytesWritten)

	var written uint64
	for _, p := range progress {
		assert.Equal(t, uint64(total), p.TotalBytes)
		if p.Phase != PhaseWrite {
			continue
		}
		assert.Greater(t, p.BytesWritten, written)
		assert.LessOrEqual(t, p.RegionWritten, p.Region.Size())
		written = p.BytesWritten
	}
	assert.Equal(t, PhaseReboot, progress[len(progress)-2].Phase)
}

func TestUploadSRAMOnlyRP2040(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2040, pico.SRAMStart, bytes.Repeat([]byte{0x5A}, 1024))
	view := viewOf(t, f, uf2.FamilyRP2040)

	sim := picoboot.NewSimTransport(pico.ModelRP2040, 1<<20)
	session := newSession(t, sim)

	require.NoError(t, Upload(context.Background(), session, view))
	assert.Zero(t, countCommands(sim, picoboot.CmdFlashErase))
	assert.Zero(t, countCommands(sim, picoboot.CmdExitXIP))
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, 1024), sim.SRAM[:1024])

	require.NotNil(t, sim.LastReboot)
	assert.Equal(t, picoboot.CmdReboot, sim.LastReboot.Command)
	assert.Equal(t, pico.SRAMStart, sim.LastReboot.PC)
	assert.Equal(t, pico.SRAMEndRP2040, sim.LastReboot.SP)
}

func TestUploadChunkSize(t *testing.T) {
	tests := []struct {
		name   string
		size   uint32
		writes int
	}{
		{"one KiB", 1024, 12},
		{"not page aligned", 1000, 3},
		{"zero", 0, 3},
		{"whole image", 0x3000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &uf2.File{}
			addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(nil))
			view := viewOf(t, f, uf2.FamilyRP2350ARMS)

			sim := picoboot.NewSimTransport(pico.ModelRP2350, 1<<20)
			session := newSession(t, sim)

			require.NoError(t, Upload(context.Background(), session, view, WithChunkSize(tt.size), WithReboot(false)))
			assert.Equal(t, tt.writes, countCommands(sim, picoboot.CmdWrite))
			assert.Nil(t, sim.LastReboot)
		})
	}
}

func TestUploadWithoutWrite(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(nil))
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	sim := picoboot.NewSimTransport(pico.ModelRP2350, 1<<20)
	session := newSession(t, sim)

	require.NoError(t, Upload(context.Background(), session, view, WithoutWrite()))
	assert.Equal(t, []picoboot.CommandID{picoboot.CmdReboot2}, sim.CommandIDs())
	assert.Equal(t, byte(0xFF), sim.Flash[0])

	sim.Commands = nil
	require.NoError(t, Upload(context.Background(), session, view, WithoutWrite(), WithReboot(false)))
	assert.Empty(t, sim.Commands)
}

func TestUploadCancelled(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(nil))
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	sim := picoboot.NewSimTransport(pico.ModelRP2350, 1<<20)
	session := newSession(t, sim)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Upload(ctx, session, view)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sim.Commands)
}

func TestUploadWriteFailure(t *testing.T) {
	f := &uf2.File{}
	addBlocks(t, f, uf2.FamilyRP2350ARMS, pico.FlashStart, firmwareImage(nil))
	view := viewOf(t, f, uf2.FamilyRP2350ARMS)

	sim := picoboot.NewSimTransport(pico.ModelRP2350, 1<<20)
	session := newSession(t, sim)
	sim.Fail[picoboot.CmdWrite] = picoboot.StatusInvalidAddress

	err := Upload(context.Background(), session, view)
	require.Error(t, err)
	assert.True(t, picoboot.IsStatus(err, picoboot.StatusInvalidAddress), "got %v", err)
	assert.Nil(t, sim.LastReboot, "no reboot after a failed write")

	var ce *picoboot.CommandError
	assert.True(t, errors.As(err, &ce))
}
