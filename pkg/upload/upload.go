package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/harp-tech/harp-regulator/pkg/pico"
	"github.com/harp-tech/harp-regulator/pkg/picoboot"
	"github.com/harp-tech/harp-regulator/pkg/uf2"
)

// ErrNoApplicableFamily is returned by SelectView when no family in the file
// targets an RP2 chip.
var ErrNoApplicableFamily = errors.New("upload: UF2 file does not contain firmware applicable to a Pico device")

// AmbiguousFamilyError is returned by SelectView when more than one family
// could apply.
type AmbiguousFamilyError struct {
	Families []uf2.Family
}

func (e *AmbiguousFamilyError) Error() string {
	return fmt.Sprintf("upload: UF2 file contains multiple Pico families %v, cannot determine which to use", e.Families)
}

// SelectView picks the only RP2 family in file and returns its validated view.
func SelectView(file *uf2.File) (*uf2.View, error) {
	var families []uf2.Family
	for _, f := range file.FamilyIDs() {
		if f.IsPico() {
			families = append(families, f)
		}
	}
	switch len(families) {
	case 0:
		return nil, ErrNoApplicableFamily
	case 1:
	default:
		return nil, &AmbiguousFamilyError{Families: families}
	}

	view, err := uf2.NewView(file, families[0])
	if err != nil {
		return nil, err
	}
	if err := view.Validate(); err != nil {
		return nil, err
	}
	return view, nil
}

// Session is the part of a PICOBOOT session used to write firmware.
type Session interface {
	Model() pico.Model
	ExitXIP() error
	FlashErase(r pico.AddressRange) error
	Write(addr uint32, data []byte) error
	RebootInto(image picoboot.Bootable, ignoreNonBootable bool) error
}

var _ Session = (*picoboot.Device)(nil)

type region struct {
	rng pico.AddressRange
	typ pico.MemoryType
}

func plan(s Session, view *uf2.View) ([]region, uint64) {
	var regions []region
	var total uint64
	for _, r := range view.CoalescedRanges() {
		typ := pico.TypeOf(r.Start, s.Model())
		if typ == pico.MemoryFlash {
			r = r.Aligned(picoboot.SectorSize)
		}
		regions = append(regions, region{rng: r, typ: typ})
		total += uint64(r.Size())
	}
	return regions, total
}

// Upload writes every region of view to the device. Flash regions are widened
// to whole sectors and erased first; holes are written as zeros. Unless
// disabled with WithReboot(false) the device then reboots into the image, or
// reboots normally if the image has no entry point.
func Upload(ctx context.Context, s Session, view *uf2.View, opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	start := cfg.now()
	report := func(p Progress) {
		if cfg.ProgressCallback == nil {
			return
		}
		p.ElapsedTime = cfg.now().Sub(start)
		switch {
		case p.Phase == PhaseComplete:
			p.Percentage = 100
		case p.TotalBytes > 0:
			p.Percentage = float64(p.BytesWritten) / float64(p.TotalBytes) * 100
		}
		cfg.ProgressCallback(p)
	}

	regions, total := plan(s, view)
	var written uint64

	if cfg.Write {
		log.Info().Stringer("firmware", view).Str("size", humanize.IBytes(total)).Msg("uploading firmware")
		buf := make([]byte, cfg.ChunkSize)
		for _, reg := range regions {
			if err := ctx.Err(); err != nil {
				return err
			}

			if reg.typ == pico.MemoryFlash {
				report(Progress{Phase: PhaseErase, Region: reg.rng, Memory: reg.typ, BytesWritten: written, TotalBytes: total})
				if err := s.ExitXIP(); err != nil {
					return fmt.Errorf("upload: exit XIP: %w", err)
				}
				if err := s.FlashErase(reg.rng); err != nil {
					return fmt.Errorf("upload: erase %v: %w", reg.rng, err)
				}
			}

			log.Info().Msgf("writing %s region %v - %s", reg.typ.FriendlyName(), reg.rng, humanize.IBytes(uint64(reg.rng.Size())))
			for addr := reg.rng.Start; addr < reg.rng.End; {
				if err := ctx.Err(); err != nil {
					return err
				}
				chunk := buf[:min(cfg.ChunkSize, reg.rng.End-addr)]
				if err := view.ReadMemory(addr, chunk); err != nil {
					return err
				}
				if err := s.Write(addr, chunk); err != nil {
					return fmt.Errorf("upload: write 0x%08X: %w", addr, err)
				}
				addr += uint32(len(chunk))
				written += uint64(len(chunk))
				report(Progress{
					Phase:         PhaseWrite,
					Region:        reg.rng,
					Memory:        reg.typ,
					RegionWritten: addr - reg.rng.Start,
					BytesWritten:  written,
					TotalBytes:    total,
				})
			}
		}
		log.Info().Dur("elapsed", cfg.now().Sub(start)).Msg("upload completed")
	} else {
		log.Info().Msg("firmware upload skipped")
	}

	if cfg.Reboot {
		report(Progress{Phase: PhaseReboot, BytesWritten: written, TotalBytes: total})
		if err := s.RebootInto(view, true); err != nil {
			return fmt.Errorf("upload: reboot: %w", err)
		}
	}

	report(Progress{Phase: PhaseComplete, BytesWritten: written, TotalBytes: total})
	return nil
}
