package uf2

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
)

// MalformedError reports a structural problem with a UF2 file or view.
type MalformedError struct {
	// Block is the index of the offending block, or -1 for whole file
	// problems.
	Block  int
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Block < 0 {
		return "uf2: malformed: " + e.Reason
	}
	return fmt.Sprintf("uf2: malformed: block %d: %s", e.Block, e.Reason)
}

// File is a parsed UF2 container.
type File struct {
	Path   string
	Blocks []Block
}

// Parse decodes every block in data.
func Parse(data []byte) (*File, error) {
	if len(data)%BlockSize != 0 {
		return nil, &MalformedError{Block: -1, Reason: fmt.Sprintf("length %d is not a multiple of %d", len(data), BlockSize)}
	}

	f := &File{Blocks: make([]Block, 0, len(data)/BlockSize)}
	for i := 0; i < len(data); i += BlockSize {
		b := decodeBlock(data[i : i+BlockSize])
		if !b.Valid() {
			return nil, &MalformedError{Block: i / BlockSize, Reason: "bad magic"}
		}
		f.Blocks = append(f.Blocks, b)
	}
	return f, nil
}

// ReadFile parses the UF2 file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// IsUF2File reports whether the first block of path is a valid UF2 block.
func IsUF2File(path string) bool {
	fd, err := os.Open(path)
	if err != nil {
		return false
	}
	defer fd.Close()

	raw := make([]byte, BlockSize)
	if _, err := io.ReadFull(fd, raw); err != nil {
		return false
	}
	b := decodeBlock(raw)
	return b.Valid()
}

// FamilyIDs returns the sorted set of families declared by flashable blocks.
// Blocks without a family contribute FamilyNone.
func (f *File) FamilyIDs() []Family {
	var ids []Family
	for i := range f.Blocks {
		b := &f.Blocks[i]
		if !b.flashable() {
			continue
		}
		ids = append(ids, b.Family())
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Encode serializes the blocks back into UF2 form.
func (f *File) Encode() []byte {
	out := make([]byte, 0, len(f.Blocks)*BlockSize)
	for _, b := range f.Blocks {
		out = append(out, b.Encode()...)
	}
	return out
}

func (f *File) String() string {
	if f.Path == "" {
		return "UF2 image"
	}
	return fmt.Sprintf("UF2 '%s'", f.Path)
}

// IsMalformed reports whether err is a *MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
