package pico

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	binaryInfoMarkerStart uint32 = 0x7188ebf2
	binaryInfoMarkerEnd   uint32 = 0xe71aa390

	// Words searched for the marker after the binary start.
	searchWordsRP2040 = 64
	searchWordsOther  = 256

	// RP2040 flash images begin with the 256 byte second stage bootloader.
	boot2Size = 0x100

	maxBinaryInfoEntries = 4096

	binaryInfoTypeIDAndString uint16 = 6
	binaryInfoEntrySize              = 12
)

// BinaryInfoID tags a string valued binary info entry.
type BinaryInfoID uint32

const (
	IDProgramName        BinaryInfoID = 0x02031c86
	IDProgramVersion     BinaryInfoID = 0x11a9bc3a
	IDProgramBuildDate   BinaryInfoID = 0x9da22254
	IDProgramURL         BinaryInfoID = 0x1856239a
	IDProgramDescription BinaryInfoID = 0xb6a07c19
)

// ErrMalformedBinaryInfo is returned when the binary info header or table is
// inconsistent.
var ErrMalformedBinaryInfo = errors.New("pico: malformed binary info")

// FirmwareInfo holds the identification strings embedded in a binary.
type FirmwareInfo struct {
	ProgramName string `json:"programName,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	BuildDate   string `json:"buildDate,omitempty"`
	URL         string `json:"url,omitempty"`
}

// HaveInfo reports whether a program name, description or version was found.
func (fi FirmwareInfo) HaveInfo() bool {
	return fi.ProgramName != "" || fi.Description != "" || fi.Version != ""
}

// ReadFirmwareInfo locates the binary info table in r and extracts the
// identification strings. A binary without a marker yields an empty result and
// no error.
func ReadFirmwareInfo(r MemoryReader) (FirmwareInfo, error) {
	var info FirmwareInfo

	start := r.BinaryStart()
	if start == 0 {
		log.Debug().Msg("could not determine the start of the binary")
		return info, nil
	}

	model, err := r.ChipModel()
	if err != nil {
		return info, err
	}

	searchWords := searchWordsOther
	if model == ModelRP2040 {
		searchWords = searchWordsRP2040
		if start == FlashStart {
			start += boot2Size
		}
	}

	words, err := ReadUint32s(r, start, searchWords)
	if err != nil {
		return info, fmt.Errorf("read binary info header: %w", err)
	}

	offset := -1
	for i, w := range words {
		if w == binaryInfoMarkerStart {
			offset = i
			break
		}
	}
	if offset < 0 {
		return info, nil
	}

	header, err := ReadUint32s(r, start+uint32(offset*4), 5)
	if err != nil {
		return info, fmt.Errorf("read binary info header: %w", err)
	}
	if header[4] != binaryInfoMarkerEnd {
		return info, fmt.Errorf("%w: end marker is 0x%08X", ErrMalformedBinaryInfo, header[4])
	}

	tableStart, tableEnd := header[1], header[2]
	if tableEnd < tableStart || (tableEnd-tableStart)%4 != 0 {
		return info, fmt.Errorf("%w: table 0x%08X..0x%08X", ErrMalformedBinaryInfo, tableStart, tableEnd)
	}
	count := int((tableEnd - tableStart) / 4)
	if count > maxBinaryInfoEntries {
		return info, fmt.Errorf("%w: %d table entries", ErrMalformedBinaryInfo, count)
	}

	pointers, err := ReadUint32s(r, tableStart, count)
	if err != nil {
		return info, fmt.Errorf("read binary info table: %w", err)
	}

	entry := make([]byte, binaryInfoEntrySize)
	for _, ptr := range pointers {
		if err := r.ReadMemory(ptr, entry); err != nil {
			return info, fmt.Errorf("read binary info entry at 0x%08X: %w", ptr, err)
		}
		if binary.LittleEndian.Uint16(entry[0:]) != binaryInfoTypeIDAndString {
			continue
		}

		id := BinaryInfoID(binary.LittleEndian.Uint32(entry[4:]))
		var field *string
		switch id {
		case IDProgramName:
			field = &info.ProgramName
		case IDProgramDescription:
			field = &info.Description
		case IDProgramVersion:
			field = &info.Version
		case IDProgramBuildDate:
			field = &info.BuildDate
		case IDProgramURL:
			field = &info.URL
		default:
			continue
		}

		value, err := ReadString(r, binary.LittleEndian.Uint32(entry[8:]))
		if err != nil {
			return info, err
		}
		*field = value
	}

	return info, nil
}
