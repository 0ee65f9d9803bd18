// Package codec wraps the external image encoders and decoders behind a
// narrow interface. Decoding and dimension probing of conventional formats
// happen in-process; AVIF and JXL encoding shell out to avifenc and cjxl.
package codec

import (
	"fmt"
	"image"
)

// Format is a conversion target.
type Format string

const (
	FormatAVIF Format = "avif"
	FormatJXL  Format = "jxl"
)

// Ext returns the file extension for the format, dot included.
func (f Format) Ext() string {
	switch f {
	case FormatAVIF:
		return ".avif"
	case FormatJXL:
		return ".jxl"
	default:
		return ""
	}
}

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatAVIF:
		return FormatAVIF, nil
	case FormatJXL:
		return FormatJXL, nil
	default:
		return "", fmt.Errorf("unsupported target format %q", s)
	}
}

// EncodeOptions carries the per-encode tuning knobs.
type EncodeOptions struct {
	Quality  int
	Lossless bool
}

// Error is a decode, probe, or encode failure for a single image.
type Error struct {
	Op     string
	Format Format
	Err    error
}

func (e *Error) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("codec: %s %s: %v", e.Op, e.Format, e.Err)
	}
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Codec is the external collaborator performing pixel-level work.
type Codec interface {
	Decode(data []byte) (image.Image, error)
	Encode(img image.Image, format Format, opts EncodeOptions) ([]byte, error)
	ProbeDimensions(data []byte) (width, height int, err error)
}
