package picoboot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/harp-tech/harp-regulator/pkg/pico"
)

// RebootRequest captures the arguments of the last REBOOT or REBOOT2. REBOOT
// fills PC, SP and Delay; REBOOT2 fills Flags, Delay and the two params.
type RebootRequest struct {
	Command CommandID
	PC      uint32
	SP      uint32
	Flags   uint32
	Delay   uint32
	Param0  uint32
	Param1  uint32
}

// SimTransport is an in-memory bootrom useful for unit tests. Flash contents
// mirror every len(Flash) bytes across the flash window the way an undersized
// chip does.
type SimTransport struct {
	Model pico.Model

	ROM     []byte
	Flash   []byte
	SRAM    []byte
	XIPSRAM []byte

	// ChipID is reported through GET_INFO on RP2350.
	ChipID uint64

	// Fail makes matching commands stall with the given status.
	Fail map[CommandID]Status
	// StatusErr makes CMD_STATUS itself fail.
	StatusErr error
	// OnExec runs when EXEC is issued.
	OnExec func(s *SimTransport, addr uint32)

	Commands   []Command
	LastReboot *RebootRequest
	Resets     int
	Closed     bool

	exclusive ExclusiveMode
	xip       bool
	status    CommandStatus
}

// NewSimTransport builds a blank chip of model with flashSize bytes of erased
// flash. A zero flashSize models a chip without flash.
func NewSimTransport(model pico.Model, flashSize int) *SimTransport {
	s := &SimTransport{
		Model:   model,
		ROM:     make([]byte, pico.ROMEndRP2040),
		SRAM:    make([]byte, pico.SRAMEnd(model)-pico.SRAMStart),
		XIPSRAM: make([]byte, pico.XIPSRAMEnd(model)-xipSRAMStart(model)),
		Flash:   make([]byte, flashSize),
		Fail:    make(map[CommandID]Status),
		xip:     true,
	}
	for i := range s.Flash {
		s.Flash[i] = 0xFF
	}
	magic := uint32(0x01754d)
	if model == pico.ModelRP2350 {
		magic = 0x02754d
	}
	binary.LittleEndian.PutUint32(s.ROM[0x10:], 0x01000000|magic)
	return s
}

func xipSRAMStart(model pico.Model) uint32 {
	if model == pico.ModelRP2040 {
		return pico.XIPSRAMStartRP2040
	}
	return pico.XIPSRAMStartRP2350
}

// ExclusiveMode is the last mode requested through EXCLUSIVE_ACCESS.
func (s *SimTransport) ExclusiveMode() ExclusiveMode { return s.exclusive }

// InXIP reports whether flash is memory mapped.
func (s *SimTransport) InXIP() bool { return s.xip }

// CommandIDs lists the IDs of every command received, in order.
func (s *SimTransport) CommandIDs() []CommandID {
	ids := make([]CommandID, len(s.Commands))
	for i, c := range s.Commands {
		ids[i] = c.ID
	}
	return ids
}

var errSimClosed = errors.New("sim: transport closed")

func (s *SimTransport) Command(cmd Command, data []byte) error {
	if s.Closed {
		return errSimClosed
	}
	// Round trip through the wire encoding.
	raw, err := cmd.Encode()
	if err != nil {
		return err
	}
	if cmd, err = DecodeCommand(raw); err != nil {
		return err
	}
	s.Commands = append(s.Commands, cmd)

	st := s.execute(cmd, data)
	s.status = CommandStatus{Token: cmd.Token, Status: st, ID: cmd.ID}
	if st != StatusOK {
		return fmt.Errorf("%w: %v", ErrStalled, cmd.ID)
	}
	return nil
}

func (s *SimTransport) execute(cmd Command, data []byte) Status {
	if st, ok := s.Fail[cmd.ID]; ok {
		return st
	}
	if uint32(len(data)) < cmd.TransferLength {
		return StatusInvalidTransferLength
	}
	data = data[:cmd.TransferLength]

	le := binary.LittleEndian
	arg := func(i int) uint32 {
		if len(cmd.Args) < 4*(i+1) {
			return 0
		}
		return le.Uint32(cmd.Args[4*i:])
	}

	switch cmd.ID {
	case CmdExclusiveAccess:
		if len(cmd.Args) != 1 {
			return StatusInvalidCmdLength
		}
		s.exclusive = ExclusiveMode(cmd.Args[0])
	case CmdExitXIP:
		s.xip = false
	case CmdEnterCmdXIP:
		s.xip = true
	case CmdRead:
		if arg(1) != cmd.TransferLength {
			return StatusInvalidTransferLength
		}
		return s.access(arg(0), data, false)
	case CmdWrite:
		if arg(1) != cmd.TransferLength {
			return StatusInvalidTransferLength
		}
		addr := arg(0)
		if pico.TypeOf(addr, s.Model) == pico.MemoryFlash && (addr%PageSize != 0 || len(data)%PageSize != 0) {
			return StatusBadAlignment
		}
		return s.access(addr, data, true)
	case CmdFlashErase:
		addr, size := arg(0), arg(1)
		if addr%SectorSize != 0 || size%SectorSize != 0 {
			return StatusBadAlignment
		}
		erased := make([]byte, size)
		for i := range erased {
			erased[i] = 0xFF
		}
		return s.access(addr, erased, true)
	case CmdExec:
		if s.OnExec != nil {
			s.OnExec(s, arg(0))
		}
	case CmdReboot:
		s.LastReboot = &RebootRequest{Command: cmd.ID, PC: arg(0), SP: arg(1), Delay: arg(2)}
	case CmdReboot2:
		if s.Model != pico.ModelRP2350 {
			return StatusUnknownCmd
		}
		s.LastReboot = &RebootRequest{Command: cmd.ID, Flags: arg(0), Delay: arg(1), Param0: arg(2), Param1: arg(3)}
	case CmdGetInfo:
		if s.Model != pico.ModelRP2350 {
			return StatusUnknownCmd
		}
		clear(data)
		if len(cmd.Args) >= 8 && cmd.Args[0] == InfoSys && arg(1)&SysInfoChipInfo != 0 && len(data) >= 20 {
			le.PutUint32(data[0:], 4)
			le.PutUint32(data[4:], SysInfoChipInfo)
			le.PutUint32(data[8:], 0)
			le.PutUint32(data[12:], uint32(s.ChipID))
			le.PutUint32(data[16:], uint32(s.ChipID>>32))
		}
	default:
		return StatusUnknownCmd
	}
	return StatusOK
}

// access copies between data and chip memory.
func (s *SimTransport) access(addr uint32, data []byte, write bool) Status {
	mem, base, st := s.region(addr, uint32(len(data)))
	if st != StatusOK {
		return st
	}
	for i := range data {
		off := int(addr - base + uint32(i))
		if len(mem) == 0 {
			data[i] = 0xFF
			continue
		}
		off %= len(mem)
		if write {
			mem[off] = data[i]
		} else {
			data[i] = mem[off]
		}
	}
	return StatusOK
}

func (s *SimTransport) region(addr, n uint32) ([]byte, uint32, Status) {
	typ, err := pico.CheckSameRegion(addr, int(n), s.Model)
	if err != nil {
		return nil, 0, StatusInvalidAddress
	}
	switch typ {
	case pico.MemoryROM:
		return s.ROM, pico.ROMStart, StatusOK
	case pico.MemoryFlash:
		return s.Flash, pico.FlashStart, StatusOK
	case pico.MemorySRAM:
		return s.SRAM, pico.SRAMStart, StatusOK
	case pico.MemoryXIPSRAM:
		return s.XIPSRAM, xipSRAMStart(s.Model), StatusOK
	}
	return nil, 0, StatusInvalidAddress
}

func (s *SimTransport) Status() (CommandStatus, error) {
	if s.StatusErr != nil {
		return CommandStatus{}, s.StatusErr
	}
	return s.status, nil
}

func (s *SimTransport) Reset() error {
	s.Resets++
	s.status = CommandStatus{}
	return nil
}

func (s *SimTransport) Close() error {
	s.Closed = true
	return nil
}

var _ Transport = (*SimTransport)(nil)
