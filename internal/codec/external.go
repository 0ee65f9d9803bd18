package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
)

const defaultEncodeTimeout = 5 * time.Minute

// ToolCodec encodes through the avifenc and cjxl command-line encoders and
// decodes conventional formats in-process.
type ToolCodec struct {
	avifenc string
	cjxl    string
	tempDir string
	timeout time.Duration
}

// NewToolCodec locates the external encoders on PATH. A missing encoder is
// not fatal here; encoding to the missing format fails per item instead.
func NewToolCodec() *ToolCodec {
	c := &ToolCodec{timeout: defaultEncodeTimeout}
	if path, err := exec.LookPath("avifenc"); err == nil {
		c.avifenc = path
	}
	if path, err := exec.LookPath("cjxl"); err == nil {
		c.cjxl = path
	}
	return c
}

// Available reports whether the encoder for the format was found.
func (c *ToolCodec) Available(format Format) bool {
	switch format {
	case FormatAVIF:
		return c.avifenc != ""
	case FormatJXL:
		return c.cjxl != ""
	default:
		return false
	}
}

// Decode parses source bytes into an image.
func (c *ToolCodec) Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}
	return img, nil
}

// ProbeDimensions implements Codec.
func (c *ToolCodec) ProbeDimensions(data []byte) (int, int, error) {
	return ProbeDimensions(data)
}

// Encode writes img through the external encoder for the target format.
// The image is handed over as a temporary PNG, which both encoders accept.
func (c *ToolCodec) Encode(img image.Image, format Format, opts EncodeOptions) ([]byte, error) {
	tool, args, err := c.plan(format, opts)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(c.tempDir, "picshrink-enc-")
	if err != nil {
		return nil, &Error{Op: "encode", Format: format, Err: err}
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, "in.png")
	dstPath := filepath.Join(dir, "out"+format.Ext())
	if err := imaging.Save(img, srcPath); err != nil {
		return nil, &Error{Op: "encode", Format: format, Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tool, append(args, srcPath, dstPath)...)
	if out, runErr := cmd.CombinedOutput(); runErr != nil {
		return nil, &Error{Op: "encode", Format: format, Err: fmt.Errorf("%s: %w: %s", filepath.Base(tool), runErr, firstLine(out))}
	}

	encoded, err := os.ReadFile(dstPath)
	if err != nil {
		return nil, &Error{Op: "encode", Format: format, Err: err}
	}
	return encoded, nil
}

func (c *ToolCodec) plan(format Format, opts EncodeOptions) (string, []string, error) {
	switch format {
	case FormatAVIF:
		if c.avifenc == "" {
			return "", nil, &Error{Op: "encode", Format: format, Err: fmt.Errorf("avifenc not found in PATH")}
		}
		if opts.Lossless {
			return c.avifenc, []string{"--lossless"}, nil
		}
		// avifenc quality runs 0-100, matching policy quality directly.
		return c.avifenc, []string{"-q", strconv.Itoa(opts.Quality)}, nil
	case FormatJXL:
		if c.cjxl == "" {
			return "", nil, &Error{Op: "encode", Format: format, Err: fmt.Errorf("cjxl not found in PATH")}
		}
		if opts.Lossless {
			return c.cjxl, []string{"-d", "0"}, nil
		}
		return c.cjxl, []string{"-q", strconv.Itoa(opts.Quality)}, nil
	default:
		return "", nil, &Error{Op: "encode", Format: format, Err: fmt.Errorf("unsupported format")}
	}
}

func firstLine(out []byte) []byte {
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		return out[:i]
	}
	return out
}
