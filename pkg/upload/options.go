package upload

import (
	"time"

	"github.com/harp-tech/harp-regulator/pkg/pico"
	"github.com/harp-tech/harp-regulator/pkg/picoboot"
)

// DefaultChunkSize is one flash sector.
const DefaultChunkSize = picoboot.SectorSize

// Phase names a stage of an upload.
type Phase string

const (
	PhaseErase    Phase = "erase"
	PhaseWrite    Phase = "write"
	PhaseReboot   Phase = "reboot"
	PhaseComplete Phase = "complete"
)

// Progress is passed to ProgressCallback during an upload.
type Progress struct {
	Phase Phase

	// Region is the memory range being written, aligned to flash sectors
	// for flash.
	Region pico.AddressRange
	Memory pico.MemoryType

	// RegionWritten counts bytes written to Region so far.
	RegionWritten uint32

	// BytesWritten and TotalBytes cover every region of the image.
	BytesWritten uint64
	TotalBytes   uint64

	// Percentage is BytesWritten over TotalBytes, from 0 to 100.
	Percentage float64

	ElapsedTime time.Duration
}

// ProgressCallback is called after every chunk. It runs on the uploading
// goroutine and should return quickly.
type ProgressCallback func(Progress)

// Config holds the upload settings.
type Config struct {
	// ProgressCallback is called during the upload (optional)
	ProgressCallback ProgressCallback

	// ChunkSize is the number of bytes sent per WRITE command. It is always a
	// multiple of picoboot.PageSize.
	ChunkSize uint32

	// Reboot restarts the device into the image once written.
	Reboot bool

	// Write is cleared to skip erasing and writing.
	Write bool

	now func() time.Time
}

func defaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		Reboot:    true,
		Write:     true,
		now:       time.Now,
	}
}

// Option configures Upload.
type Option func(*Config)

// WithProgressCallback sets a callback reporting upload progress.
//
// Example:
//
//	err := upload.Upload(ctx, session, view,
//	    upload.WithProgressCallback(func(p upload.Progress) {
//	        fmt.Printf("%.1f%% complete\n", p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithChunkSize sets the WRITE size. Sizes that are zero or not a multiple
// of picoboot.PageSize are ignored.
func WithChunkSize(size uint32) Option {
	return func(c *Config) {
		if size > 0 && size%picoboot.PageSize == 0 {
			c.ChunkSize = size
		}
	}
}

// WithReboot controls whether the device is rebooted into the image at the
// end. Default is true.
func WithReboot(reboot bool) Option {
	return func(c *Config) {
		c.Reboot = reboot
	}
}

// WithoutWrite skips erasing and writing, leaving only the reboot.
func WithoutWrite() Option {
	return func(c *Config) {
		c.Write = false
	}
}
