package pipeline

import (
	"archive/zip"
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"sort"
	"sync"
	"testing"

	"picshrink/internal/codec"
)

// fakeCodec stands in for the external encoders. Decode understands real PNG
// and JPEG bytes; Encode emits deterministic payloads of a configurable size
// and records the options it was handed.
type fakeCodec struct {
	failFormats map[codec.Format]bool
	outSize     int
	encodeHook  func() // runs at the top of every Encode

	mu      sync.Mutex
	encodes []codec.EncodeOptions
}

func (c *fakeCodec) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &codec.Error{Op: "decode", Err: err}
	}
	return img, nil
}

func (c *fakeCodec) Encode(_ image.Image, format codec.Format, opts codec.EncodeOptions) ([]byte, error) {
	c.mu.Lock()
	c.encodes = append(c.encodes, opts)
	c.mu.Unlock()

	if c.encodeHook != nil {
		c.encodeHook()
	}
	if c.failFormats[format] {
		return nil, &codec.Error{Op: "encode", Format: format, Err: errors.New("encoder rejected image")}
	}
	size := c.outSize
	if size == 0 {
		size = 64
	}
	out := make([]byte, size)
	copy(out, string(format))
	return out, nil
}

func (c *fakeCodec) ProbeDimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, &codec.Error{Op: "probe", Err: err}
	}
	return cfg.Width, cfg.Height, nil
}

func (c *fakeCodec) encodeOptions() []codec.EncodeOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]codec.EncodeOptions(nil), c.encodes...)
}

func buildJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{G: 0xff, A: 0xff})

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func buildPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w && x < 16; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x * 15), A: 0xff})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildZip(t *testing.T, path string, members map[string][]byte) {
	t.Helper()

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(members[name]); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write zip: %v", err)
	}
}

func readZipNames(t *testing.T, path string) map[string][]byte {
	t.Helper()

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip %s: %v", path, err)
	}
	defer zr.Close()

	members := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open member %s: %v", f.Name, err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			t.Fatalf("read member %s: %v", f.Name, err)
		}
		rc.Close()
		members[f.Name] = buf.Bytes()
	}
	return members
}
