package imgutil

import (
	"bytes"
	"errors"
	"io"
	"os"
)

// Kind identifies a supported image or container type.
type Kind int

const (
	KindUnknown Kind = iota
	KindJPEG
	KindPNG
	KindGIF
	KindBMP
	KindTIFF
	KindWebP
	KindAVIF
	KindJXL
	KindZip
)

func (k Kind) String() string {
	switch k {
	case KindJPEG:
		return "jpeg"
	case KindPNG:
		return "png"
	case KindGIF:
		return "gif"
	case KindBMP:
		return "bmp"
	case KindTIFF:
		return "tiff"
	case KindWebP:
		return "webp"
	case KindAVIF:
		return "avif"
	case KindJXL:
		return "jxl"
	case KindZip:
		return "zip"
	default:
		return "unknown"
	}
}

// Ext returns the canonical file extension for the kind, dot included.
func (k Kind) Ext() string {
	switch k {
	case KindJPEG:
		return ".jpg"
	case KindPNG:
		return ".png"
	case KindGIF:
		return ".gif"
	case KindBMP:
		return ".bmp"
	case KindTIFF:
		return ".tiff"
	case KindWebP:
		return ".webp"
	case KindAVIF:
		return ".avif"
	case KindJXL:
		return ".jxl"
	case KindZip:
		return ".zip"
	default:
		return ""
	}
}

// IsImage reports whether the kind is a decodable or convertible image type.
func (k Kind) IsImage() bool {
	switch k {
	case KindJPEG, KindPNG, KindGIF, KindBMP, KindTIFF, KindWebP, KindAVIF, KindJXL:
		return true
	default:
		return false
	}
}

// HeaderSize is the number of leading bytes DetectHeader needs.
const HeaderSize = 16

var (
	pngSig    = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}
	jpegSig   = []byte{0xff, 0xd8, 0xff}
	gifSig    = []byte("GIF8")
	bmpSig    = []byte("BM")
	tiffSigLE = []byte{0x49, 0x49, 0x2a, 0x00}
	tiffSigBE = []byte{0x4d, 0x4d, 0x00, 0x2a}
	riffSig   = []byte("RIFF")
	webpTag   = []byte("WEBP")
	jxlSig    = []byte{0xff, 0x0a}
	jxlBoxSig = []byte{0x00, 0x00, 0x00, 0x0c, 0x4a, 0x58, 0x4c, 0x20}
	zipSig    = []byte{0x50, 0x4b, 0x03, 0x04}
	ftypTag   = []byte("ftyp")
	avifBrand = []byte("avif")
	avisBrand = []byte("avis")
)

// DetectHeader inspects the first HeaderSize bytes for known signatures.
func DetectHeader(header []byte) (Kind, error) {
	if len(header) < HeaderSize {
		return KindUnknown, errors.New("header too short")
	}

	switch {
	case bytes.HasPrefix(header, jpegSig):
		return KindJPEG, nil
	case bytes.HasPrefix(header, pngSig):
		return KindPNG, nil
	case bytes.HasPrefix(header, gifSig):
		return KindGIF, nil
	case bytes.HasPrefix(header, tiffSigLE), bytes.HasPrefix(header, tiffSigBE):
		return KindTIFF, nil
	case bytes.HasPrefix(header, riffSig) && bytes.Equal(header[8:12], webpTag):
		return KindWebP, nil
	case bytes.HasPrefix(header, jxlSig), bytes.HasPrefix(header, jxlBoxSig):
		return KindJXL, nil
	case bytes.HasPrefix(header, zipSig):
		return KindZip, nil
	case bytes.HasPrefix(header, bmpSig):
		return KindBMP, nil
	}

	// ISO BMFF: 4-byte box size, then "ftyp" and the major brand.
	if bytes.Equal(header[4:8], ftypTag) {
		brand := header[8:12]
		if bytes.Equal(brand, avifBrand) || bytes.Equal(brand, avisBrand) {
			return KindAVIF, nil
		}
	}

	return KindUnknown, nil
}

// Detect sniffs the leading bytes of buf.
func Detect(buf []byte) (Kind, error) {
	if len(buf) > HeaderSize {
		buf = buf[:HeaderSize]
	}
	return DetectHeader(buf)
}

// SniffFile reads the first HeaderSize bytes of a file to determine its type.
func SniffFile(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindUnknown, err
	}
	defer f.Close()

	return SniffReader(f)
}

// SniffReader reads the first HeaderSize bytes from r and determines its type.
func SniffReader(r io.Reader) (Kind, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return KindUnknown, err
	}

	return DetectHeader(header)
}
