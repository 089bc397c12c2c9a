package media

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// readOrientation returns the EXIF orientation (1-8) of an encoded image,
// or 1 when the tag is missing.
func readOrientation(data []byte) int {
	exifData, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := exifData.Get(exif.Orientation)
	if err != nil || tag == nil {
		return 1
	}
	val, err := tag.Int(0)
	if err != nil || val < 1 || val > 8 {
		return 1
	}
	return val
}

// applyOrientation rotates and flips img so that it displays upright.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
