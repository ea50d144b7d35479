package mediastore

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
	vips "github.com/davidbyttow/govips/v2/vips"
	_ "golang.org/x/image/webp"
)

const (
	thumbLongSide = 384
	jpegFallbackQuality = 82
	webpQuality         = 82
)

func init() {
	vips.LoggingSettings(nil, vips.LogLevelError)
	vips.Startup(nil)
}

// buildThumbnail decodes src, fits it within a thumbLongSide square
// preserving aspect ratio, and encodes WEBP. If vips cannot encode
// (init failure, unsupported colour space), it falls back to JPEG;
// the caller is told which extension was actually produced.
func buildThumbnail(src []byte) (data []byte, ext string, err error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}

	resized := imaging.Fit(img, thumbLongSide, thumbLongSide, imaging.Lanczos)

	if webpBytes, ok := encodeWebp(resized); ok {
		return webpBytes, "webp", nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegFallbackQuality}); err != nil {
		return nil, "", fmt.Errorf("jpeg fallback encode: %w", err)
	}
	return buf.Bytes(), "jpg", nil
}

// encodeWebp tries to produce a WEBP rendition via govips. Any vips
// failure is swallowed; the caller falls back to JPEG rather than
// failing the whole save_artifact call over a thumbnail.
func encodeWebp(img image.Image) (data []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, false
	}

	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, false
	}
	defer ref.Close()

	exportParams := vips.NewWebpExportParams()
	exportParams.Quality = webpQuality

	out, _, err := ref.ExportWebp(exportParams)
	if err != nil {
		return nil, false
	}
	return out, true
}
