package picoboot

import (
	"encoding/binary"
	"fmt"
)

// USB identifiers
const (
	VendorIDRaspberryPi = 0x2E8A

	ProductIDRP2040Bootsel = 0x0003
	ProductIDRP2350Bootsel = 0x000F
	ProductIDRP2040Stdio   = 0x000A
	ProductIDRP2350Stdio   = 0x0009
)

// Flash geometry shared by both chips.
const (
	PageSize   = 256
	SectorSize = 4096
)

const (
	commandMagic uint32 = 0x431fd10b
	commandSize         = 32
	maxArgsSize         = 16
	statusSize          = 16
)

// CommandID identifies a PICOBOOT command. Bit 7 marks commands whose data
// phase runs device to host.
type CommandID uint8

const (
	CmdExclusiveAccess CommandID = 0x01
	CmdReboot          CommandID = 0x02
	CmdFlashErase      CommandID = 0x03
	CmdRead            CommandID = 0x84
	CmdWrite           CommandID = 0x05
	CmdExitXIP         CommandID = 0x06
	CmdEnterCmdXIP     CommandID = 0x07
	CmdExec            CommandID = 0x08
	CmdVectorizeFlash  CommandID = 0x09
	CmdReboot2         CommandID = 0x0A
	CmdGetInfo         CommandID = 0x8B
	CmdOTPRead         CommandID = 0x8C
	CmdOTPWrite        CommandID = 0x0D
)

var commandNames = map[CommandID]string{
	CmdExclusiveAccess: "EXCLUSIVE_ACCESS",
	CmdReboot:          "REBOOT",
	CmdFlashErase:      "FLASH_ERASE",
	CmdRead:            "READ",
	CmdWrite:           "WRITE",
	CmdExitXIP:         "EXIT_XIP",
	CmdEnterCmdXIP:     "ENTER_CMD_XIP",
	CmdExec:            "EXEC",
	CmdVectorizeFlash:  "VECTORIZE_FLASH",
	CmdReboot2:         "REBOOT2",
	CmdGetInfo:         "GET_INFO",
	CmdOTPRead:         "OTP_READ",
	CmdOTPWrite:        "OTP_WRITE",
}

func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_0x%02X", uint8(c))
}

// IsIn reports whether the data phase is device to host.
func (c CommandID) IsIn() bool { return c&0x80 != 0 }

// Status is the result code reported by CMD_STATUS.
type Status uint32

const (
	StatusOK Status = iota
	StatusUnknownCmd
	StatusInvalidCmdLength
	StatusInvalidTransferLength
	StatusInvalidAddress
	StatusBadAlignment
	StatusInterleavedWrite
	StatusRebooting
	StatusUnknownError
	StatusInvalidState
	StatusNotPermitted
	StatusInvalidArg
	StatusBufferTooSmall
	StatusPreconditionNotMet
	StatusModifiedData
	StatusInvalidData
	StatusNotFound
	StatusUnsupportedModification
)

var statusNames = [...]string{
	"OK",
	"UNKNOWN_CMD",
	"INVALID_CMD_LENGTH",
	"INVALID_TRANSFER_LENGTH",
	"INVALID_ADDRESS",
	"BAD_ALIGNMENT",
	"INTERLEAVED_WRITE",
	"REBOOTING",
	"UNKNOWN_ERROR",
	"INVALID_STATE",
	"NOT_PERMITTED",
	"INVALID_ARG",
	"BUFFER_TOO_SMALL",
	"PRECONDITION_NOT_MET",
	"MODIFIED_DATA",
	"INVALID_DATA",
	"NOT_FOUND",
	"UNSUPPORTED_MODIFICATION",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS_%d", uint32(s))
}

// ExclusiveMode is the argument of EXCLUSIVE_ACCESS.
type ExclusiveMode uint8

const (
	NotExclusive ExclusiveMode = iota
	Exclusive
	ExclusiveAndEject
)

// REBOOT2 flags
const (
	Reboot2Normal      uint32 = 0x0
	Reboot2Bootsel     uint32 = 0x2
	Reboot2RAMImage    uint32 = 0x3
	Reboot2FlashUpdate uint32 = 0x4
	Reboot2PCSP        uint32 = 0xD
)

// GET_INFO types and SYS info flags
const (
	InfoSys                uint8 = 0x1
	InfoPartitionTable     uint8 = 0x2
	InfoUF2TargetPartition uint8 = 0x3
	InfoUF2Status          uint8 = 0x4

	SysInfoChipInfo     uint32 = 0x0001
	SysInfoCritical     uint32 = 0x0002
	SysInfoCPUInfo      uint32 = 0x0004
	SysInfoFlashDevInfo uint32 = 0x0008
	SysInfoBootRandom   uint32 = 0x0010
	SysInfoNonce        uint32 = 0x0020
	SysInfoBootInfo     uint32 = 0x0040
)

// Command is one PICOBOOT request.
type Command struct {
	Token          uint32
	ID             CommandID
	TransferLength uint32
	Args           []byte
}

// Encode builds the 32 byte command packet.
func (c Command) Encode() ([]byte, error) {
	if len(c.Args) > maxArgsSize {
		return nil, fmt.Errorf("picoboot: %v args are %d bytes, max %d", c.ID, len(c.Args), maxArgsSize)
	}
	buf := make([]byte, commandSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], commandMagic)
	le.PutUint32(buf[4:], c.Token)
	buf[8] = byte(c.ID)
	buf[9] = byte(len(c.Args))
	le.PutUint32(buf[12:], c.TransferLength)
	copy(buf[16:], c.Args)
	return buf, nil
}

// DecodeCommand parses a 32 byte command packet.
func DecodeCommand(buf []byte) (Command, error) {
	if len(buf) != commandSize {
		return Command{}, fmt.Errorf("picoboot: command packet is %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(buf); magic != commandMagic {
		return Command{}, fmt.Errorf("picoboot: bad command magic 0x%08X", magic)
	}
	n := int(buf[9])
	if n > maxArgsSize {
		return Command{}, fmt.Errorf("picoboot: command args size %d", n)
	}
	return Command{
		Token:          le.Uint32(buf[4:]),
		ID:             CommandID(buf[8]),
		TransferLength: le.Uint32(buf[12:]),
		Args:           append([]byte(nil), buf[16:16+n]...),
	}, nil
}

func (c Command) String() string {
	return fmt.Sprintf("%v token=%d transfer=%d", c.ID, c.Token, c.TransferLength)
}

// CommandStatus is the 16 byte CMD_STATUS reply.
type CommandStatus struct {
	Token      uint32
	Status     Status
	ID         CommandID
	InProgress bool
}

// DecodeStatus parses a CMD_STATUS reply.
func DecodeStatus(buf []byte) (CommandStatus, error) {
	if len(buf) < statusSize {
		return CommandStatus{}, fmt.Errorf("picoboot: status reply is %d bytes", len(buf))
	}
	le := binary.LittleEndian
	return CommandStatus{
		Token:      le.Uint32(buf[0:]),
		Status:     Status(le.Uint32(buf[4:])),
		ID:         CommandID(buf[8]),
		InProgress: buf[9] != 0,
	}, nil
}

// Encode builds the 16 byte CMD_STATUS reply.
func (s CommandStatus) Encode() []byte {
	buf := make([]byte, statusSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], s.Token)
	le.PutUint32(buf[4:], uint32(s.Status))
	buf[8] = byte(s.ID)
	if s.InProgress {
		buf[9] = 1
	}
	return buf
}

func words(vs ...uint32) []byte {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return buf
}

func rangeArgs(addr, size uint32) []byte { return words(addr, size) }

func addressArgs(addr uint32) []byte { return words(addr) }

func rebootArgs(pc, sp, delayMS uint32) []byte { return words(pc, sp, delayMS) }

func reboot2Args(flags, delayMS, p0, p1 uint32) []byte { return words(flags, delayMS, p0, p1) }

func exclusiveArgs(mode ExclusiveMode) []byte { return []byte{byte(mode)} }

func getInfoArgs(infoType, param uint8, wParam uint16, dParams [3]uint32) []byte {
	buf := make([]byte, maxArgsSize)
	buf[0] = infoType
	buf[1] = param
	binary.LittleEndian.PutUint16(buf[2:], wParam)
	copy(buf[4:], words(dParams[0], dParams[1], dParams[2]))
	return buf
}
