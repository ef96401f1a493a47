package picoboot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/pico"
)

const (
	DefaultRebootDelay = 500 * time.Millisecond

	// The RP2040 flash ID helper leaves the JEDEC unique ID here.
	flashIDResultOffset = 33

	flashProbeMinSize = 16 * PageSize
	flashProbeMaxSize = 8 << 20

	// ROM reads past this offset need special handling.
	romReadLimit = 0x2000

	// Chip IDs with no meaning.
	uniqueIDErased uint64 = 0xEEEEEEEEEEEEEEEE
)

// Option configures a Device.
type Option func(*Device)

// WithModel skips model detection.
func WithModel(model pico.Model) Option {
	return func(d *Device) { d.model = model }
}

// WithIdentity sets the label used in logs and errors.
func WithIdentity(identity string) Option {
	return func(d *Device) { d.identity = identity }
}

// WithManager tracks the session in m until it is closed.
func WithManager(m *Manager) Option {
	return func(d *Device) { d.manager = m }
}

// WithFlashIDProgram sets the helper executed from XIP SRAM to read the
// RP2040 flash unique ID.
func WithFlashIDProgram(program []byte) Option {
	return func(d *Device) { d.flashIDProgram = program }
}

// WithRebootDelay sets the delay requested from the bootrom before reboot.
func WithRebootDelay(delay time.Duration) Option {
	return func(d *Device) { d.rebootDelay = delay }
}

// WithoutExclusiveAccess leaves the mass storage interface usable.
func WithoutExclusiveAccess() Option {
	return func(d *Device) { d.exclusive = false }
}

// Device is an open PICOBOOT session. Sessions are not safe for concurrent
// use.
type Device struct {
	transport Transport
	model     pico.Model
	identity  string
	manager   *Manager
	exclusive bool

	token          uint32
	rebootDelay    time.Duration
	flashIDProgram []byte

	uniqueID     uint64
	haveUniqueID bool
	uniqueIDRead bool
	flashSize    uint32
	flashProbed  bool
}

// New opens a session over t and takes exclusive access of the device.
func New(t Transport, opts ...Option) (*Device, error) {
	d := &Device{
		transport:   t,
		exclusive:   true,
		identity:    "PICOBOOT device",
		rebootDelay: DefaultRebootDelay,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.model == pico.ModelUnknown {
		d.model = d.probeModel()
	}

	if d.exclusive {
		if err := d.ExclusiveAccess(Exclusive); err != nil {
			return nil, err
		}
	}

	if d.manager != nil {
		d.manager.Track(d)
	}
	log.Debug().Str("device", d.identity).Stringer("model", d.model).Msg("PICOBOOT session opened")
	return d, nil
}

// ModelForProductID maps a bootrom product ID to its chip.
func ModelForProductID(pid uint16) pico.Model {
	switch pid {
	case ProductIDRP2040Bootsel:
		return pico.ModelRP2040
	case ProductIDRP2350Bootsel:
		return pico.ModelRP2350
	}
	return pico.ModelUnknown
}

// probeModel relies on GET_INFO only existing on the RP2350 bootrom.
func (d *Device) probeModel() pico.Model {
	if _, err := d.GetInfo(InfoSys, 0, 0, [3]uint32{SysInfoChipInfo}, 32); err != nil {
		log.Debug().Err(err).Str("device", d.identity).Msg("GET_INFO probe failed, assuming RP2040")
		return pico.ModelRP2040
	}
	return pico.ModelRP2350
}

// Model is the chip generation of the device.
func (d *Device) Model() pico.Model { return d.model }

// ChipModel reads the model from the bootrom magic.
func (d *Device) ChipModel() (pico.Model, error) {
	return pico.DetectModel(d)
}

// BinaryStart is the start of flash, where a resident image lives.
func (d *Device) BinaryStart() uint32 { return pico.FlashStart }

func (d *Device) String() string { return d.identity }

// run issues one command. A failed command is classified through CMD_STATUS.
func (d *Device) run(op string, id CommandID, args []byte, transferLen uint32, data []byte) error {
	if d.transport == nil {
		return ErrClosed
	}
	d.token++
	cmd := Command{Token: d.token, ID: id, TransferLength: transferLen, Args: args}
	err := d.transport.Command(cmd, data)
	if err == nil {
		return nil
	}

	status, serr := d.transport.Status()
	if serr != nil {
		log.Debug().Err(serr).Str("device", d.identity).Msg("CMD_STATUS failed")
		return &TransportError{Op: op, Command: id, Err: err}
	}
	if rerr := d.transport.Reset(); rerr != nil {
		log.Warn().Err(rerr).Str("device", d.identity).Msg("interface reset failed")
	}

	code := status.Status
	if code == StatusOK {
		code = StatusUnknownError
	}
	log.Debug().Str("device", d.identity).Stringer("command", id).Stringer("status", code).Msg("command failed")
	return &CommandError{Op: op, Command: id, Status: code}
}

// ExclusiveAccess changes the exclusivity of the session.
func (d *Device) ExclusiveAccess(mode ExclusiveMode) error {
	return d.run("exclusive access", CmdExclusiveAccess, exclusiveArgs(mode), 0, nil)
}

// ExitXIP leaves execute-in-place mode so flash can be accessed directly.
func (d *Device) ExitXIP() error {
	return d.run("exit XIP", CmdExitXIP, nil, 0, nil)
}

// EnterCmdXIP returns flash to execute-in-place mode.
func (d *Device) EnterCmdXIP() error {
	return d.run("enter XIP", CmdEnterCmdXIP, nil, 0, nil)
}

// Exec calls the function at addr.
func (d *Device) Exec(addr uint32) error {
	return d.run("exec", CmdExec, addressArgs(addr), 0, nil)
}

// GetInfo issues GET_INFO and returns the size byte response.
func (d *Device) GetInfo(infoType, param uint8, wParam uint16, dParams [3]uint32, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := d.run("get info", CmdGetInfo, getInfoArgs(infoType, param, wParam, dParams), uint32(size), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// checkTransfer validates [addr, addr+n) for a read or write and returns its
// memory type.
func (d *Device) checkTransfer(addr uint32, n int) (pico.MemoryType, error) {
	typ, err := pico.CheckSameRegion(addr, n, d.model)
	if err != nil {
		return typ, fmt.Errorf("%w: %v", ErrRegionSpan, err)
	}
	if typ == pico.MemoryFlash {
		r := pico.AddressRange{Start: addr, End: addr + uint32(n)}
		if !r.IsAligned(PageSize) {
			return typ, &AlignmentError{Addr: addr, Length: uint32(n), Alignment: PageSize}
		}
	}
	return typ, nil
}

// ReadAligned reads buf from addr. Flash reads must be page aligned.
func (d *Device) ReadAligned(addr uint32, buf []byte) error {
	typ, err := d.checkTransfer(addr, len(buf))
	if err != nil {
		return err
	}
	if typ == pico.MemoryFlash {
		if err := d.ExitXIP(); err != nil {
			return err
		}
	}
	if typ == pico.MemoryROM && addr+uint32(len(buf)) >= romReadLimit {
		return fmt.Errorf("%w: ROM read beyond 0x%X", ErrUnsupported, romReadLimit)
	}
	return d.run("read", CmdRead, rangeArgs(addr, uint32(len(buf))), uint32(len(buf)), buf)
}

// Read reads buf from addr. Unaligned flash reads are widened to whole pages.
func (d *Device) Read(addr uint32, buf []byte) error {
	r := pico.AddressRange{Start: addr, End: addr + uint32(len(buf))}
	if pico.TypeOf(addr, d.model) != pico.MemoryFlash || r.IsAligned(PageSize) {
		return d.ReadAligned(addr, buf)
	}

	aligned := r.Aligned(PageSize)
	tmp := make([]byte, aligned.Size())
	if err := d.ReadAligned(aligned.Start, tmp); err != nil {
		return err
	}
	copy(buf, tmp[addr-aligned.Start:])
	return nil
}

// ReadMemory implements pico.Reader.
func (d *Device) ReadMemory(addr uint32, buf []byte) error { return d.Read(addr, buf) }

// Write writes data at addr. Flash writes must be page aligned and target
// erased flash.
func (d *Device) Write(addr uint32, data []byte) error {
	if _, err := d.checkTransfer(addr, len(data)); err != nil {
		return err
	}
	return d.run("write", CmdWrite, rangeArgs(addr, uint32(len(data))), uint32(len(data)), data)
}

// FlashErase erases r, which must be sector aligned flash.
func (d *Device) FlashErase(r pico.AddressRange) error {
	if pico.TypeOf(r.Start, d.model) != pico.MemoryFlash || pico.TypeOf(r.End, d.model) != pico.MemoryFlash {
		return &ArgumentError{Arg: "erase range", Reason: fmt.Sprintf("%v is not within flash", r)}
	}
	if !r.IsAligned(SectorSize) {
		return &ArgumentError{Arg: "erase range", Reason: fmt.Sprintf("%v is not aligned to %d bytes", r, SectorSize)}
	}
	return d.run("flash erase", CmdFlashErase, rangeArgs(r.Start, r.Size()), 0, nil)
}

// Reboot restarts the device. A zero address reboots normally; a flash address
// boots the flash image; an SRAM or XIP SRAM address runs the image loaded
// there.
func (d *Device) Reboot(addr uint32) error {
	typ := pico.TypeOf(addr, d.model)
	delay := uint32(d.rebootDelay / time.Millisecond)
	badAddr := &ArgumentError{Arg: "boot address", Reason: fmt.Sprintf("0x%08X is not 0, flash, SRAM or XIP SRAM", addr)}

	switch d.model {
	case pico.ModelRP2350:
		var flags, p0, p1 uint32
		switch {
		case addr == 0:
			flags = Reboot2Normal
		case typ == pico.MemoryFlash:
			flags, p0 = Reboot2FlashUpdate, addr
		case typ == pico.MemorySRAM:
			flags, p0, p1 = Reboot2RAMImage, addr, pico.SRAMEndRP2350
		case typ == pico.MemoryXIPSRAM:
			flags, p0, p1 = Reboot2RAMImage, addr, pico.XIPSRAMEndRP2350
		default:
			return badAddr
		}
		return d.run("reboot", CmdReboot2, reboot2Args(flags, delay, p0, p1), 0, nil)

	case pico.ModelRP2040:
		var pc, sp uint32
		switch {
		case typ == pico.MemoryFlash:
		case typ == pico.MemorySRAM:
			pc, sp = addr, pico.SRAMEndRP2040
		case typ == pico.MemoryXIPSRAM:
			pc, sp = addr, pico.XIPSRAMEndRP2040
		case addr != 0:
			return badAddr
		}
		return d.run("reboot", CmdReboot, rebootArgs(pc, sp, delay), 0, nil)
	}
	return fmt.Errorf("%w: reboot of %v device", ErrUnsupported, d.model)
}

// Bootable is an image with a known entry point.
type Bootable interface {
	BinaryStart() uint32
}

// RebootInto reboots into image. An image without an entry point is an error
// unless ignoreNonBootable is set, in which case the device reboots normally.
func (d *Device) RebootInto(image Bootable, ignoreNonBootable bool) error {
	start := image.BinaryStart()
	if start == 0 && !ignoreNonBootable {
		return &ArgumentError{Arg: "image", Reason: "no bootable RP2 executable"}
	}
	return d.Reboot(start)
}

// FlashSize guesses the size of the attached flash from where its contents
// mirror. It returns 0 when flash is absent or blank.
func (d *Device) FlashSize() (uint32, error) {
	if d.flashProbed {
		return d.flashSize, nil
	}

	first := make([]byte, 2*PageSize)
	if err := d.ReadAligned(pico.FlashStart, first); err != nil {
		return 0, err
	}
	if bytes.Equal(first[:PageSize], first[PageSize:]) {
		log.Debug().Str("device", d.identity).Msg("first two flash pages are identical, flash is absent or blank")
		return 0, nil
	}

	size := uint32(flashProbeMaxSize)
	pages := make([]byte, 2*PageSize)
	for ; size >= flashProbeMinSize; size /= 2 {
		if err := d.ReadAligned(pico.FlashStart+size, pages); err != nil {
			return 0, err
		}
		if !bytes.Equal(pages, first) {
			break
		}
	}

	d.flashSize = size * 2
	d.flashProbed = true
	return d.flashSize, nil
}

// FlashRange is the usable flash, empty when FlashSize is 0.
func (d *Device) FlashRange() (pico.AddressRange, error) {
	size, err := d.FlashSize()
	if err != nil {
		return pico.AddressRange{}, err
	}
	return pico.AddressRange{Start: pico.FlashStart, End: pico.FlashStart + size}, nil
}

// UniqueID returns the flash unique ID on RP2040 and the chip ID on RP2350.
// Failures are logged and reported as absent.
func (d *Device) UniqueID() (uint64, bool) {
	if d.uniqueIDRead {
		return d.uniqueID, d.haveUniqueID
	}
	d.uniqueIDRead = true

	var id uint64
	var err error
	switch d.model {
	case pico.ModelRP2040:
		id, err = d.flashID()
	case pico.ModelRP2350:
		id, err = d.chipID()
	default:
		err = fmt.Errorf("%w: unique ID of %v device", ErrUnsupported, d.model)
	}
	if err != nil {
		log.Warn().Err(err).Str("device", d.identity).Msg("could not read unique ID")
		return 0, false
	}
	if id == 0 || id == uniqueIDErased {
		return 0, false
	}

	d.uniqueID, d.haveUniqueID = id, true
	return id, true
}

func (d *Device) chipID() (uint64, error) {
	resp, err := d.GetInfo(InfoSys, 0, 0, [3]uint32{SysInfoChipInfo}, 256)
	if err != nil {
		return 0, err
	}
	le := binary.LittleEndian
	count := le.Uint32(resp[0:])
	if count < 4 || le.Uint32(resp[4:])&SysInfoChipInfo == 0 {
		return 0, fmt.Errorf("picoboot: GET_INFO did not include chip info")
	}
	// Words after the flags: package select, then the 64 bit ID.
	return uint64(le.Uint32(resp[12:])) | uint64(le.Uint32(resp[16:]))<<32, nil
}

// flashID runs the helper program from XIP SRAM and reads back the big endian
// JEDEC unique ID it stores.
func (d *Device) flashID() (uint64, error) {
	if len(d.flashIDProgram) == 0 {
		return 0, fmt.Errorf("%w: no flash ID helper program configured", ErrUnsupported)
	}
	base := pico.XIPSRAMStartRP2040

	if err := d.ExclusiveAccess(Exclusive); err != nil {
		return 0, err
	}
	if err := d.ExitXIP(); err != nil {
		return 0, err
	}
	if err := d.Write(base, d.flashIDProgram); err != nil {
		return 0, err
	}
	if err := d.Exec(base); err != nil {
		return 0, err
	}
	raw := make([]byte, 8)
	if err := d.Read(base+flashIDResultOffset, raw); err != nil {
		return 0, err
	}
	if !d.exclusive {
		if err := d.ExclusiveAccess(NotExclusive); err != nil {
			log.Warn().Err(err).Str("device", d.identity).Msg("could not restore access mode")
		}
	}
	return bits.ReverseBytes64(binary.LittleEndian.Uint64(raw)), nil
}

// Close releases exclusive access and the transport. If releasing access fails
// the interface is reset instead.
func (d *Device) Close() error {
	if d.transport == nil {
		return nil
	}
	var resetErr error
	if d.exclusive {
		if err := d.ExclusiveAccess(NotExclusive); err != nil {
			log.Debug().Err(err).Str("device", d.identity).Msg("could not release exclusive access, resetting")
			resetErr = d.transport.Reset()
		}
	}
	err := d.transport.Close()
	d.transport = nil
	if d.manager != nil {
		d.manager.Forget(d)
	}
	if resetErr != nil {
		return fmt.Errorf("reset %s: %w", d.identity, resetErr)
	}
	return err
}

var _ pico.MemoryReader = (*Device)(nil)
