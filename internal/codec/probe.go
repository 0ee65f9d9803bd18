package codec

import (
	"bytes"
	"errors"
	"image"
	"strconv"

	exif "github.com/dsoprea/go-exif/v3"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"picshrink/pkg/imgutil"
)

// ProbeDimensions reads the image header and returns width and height without
// a full decode. For JPEG and TIFF inputs whose headers cannot be parsed it
// falls back to the EXIF pixel-dimension tags.
func ProbeDimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return cfg.Width, cfg.Height, nil
	}

	kind, _ := imgutil.Detect(data)
	if kind == imgutil.KindJPEG || kind == imgutil.KindTIFF {
		if w, h, exifErr := exifDimensions(data); exifErr == nil {
			return w, h, nil
		}
	}

	return 0, 0, &Error{Op: "probe", Err: err}
}

func exifDimensions(data []byte) (int, int, error) {
	tags, _, err := exif.GetFlatExifDataUniversalSearchWithReadSeeker(bytes.NewReader(data), nil, true)
	if err != nil {
		return 0, 0, err
	}

	width, height := 0, 0
	for _, tag := range tags {
		switch tag.TagName {
		case "PixelXDimension", "ImageWidth":
			if v, convErr := strconv.Atoi(tag.FormattedFirst); convErr == nil && width == 0 {
				width = v
			}
		case "PixelYDimension", "ImageLength", "ImageHeight":
			if v, convErr := strconv.Atoi(tag.FormattedFirst); convErr == nil && height == 0 {
				height = v
			}
		}
	}

	if width == 0 || height == 0 {
		return 0, 0, errors.New("no pixel dimension tags")
	}
	return width, height, nil
}
