package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"regexp"
	"strings"

	"github.com/Laisky/errors/v2"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/lmbridge/lmbridge/common/config"
)

// compressMaxIterations bounds the quality binary search.
const compressMaxIterations = 10

// Regex to match data URL pattern
var dataURLPattern = regexp.MustCompile(`data:image/([^;]+);base64,(.*)`)

// HashBase64 returns the cache key for an inline image. Only the payload
// after the data URL comma participates, so the same bytes served with a
// different mime prefix still hit the cache.
func HashBase64(encoded string) string {
	if idx := strings.Index(encoded, ","); idx >= 0 {
		encoded = encoded[idx+1:]
	}
	sum := sha256.Sum256([]byte(encoded))
	return hex.EncodeToString(sum[:])
}

// DecodeBase64 decodes an inline image, with or without a data URL prefix.
// It returns the decoded image and the format name reported by the decoder.
func DecodeBase64(encoded string) (image.Image, string, error) {
	payload := encoded
	if matches := dataURLPattern.FindStringSubmatch(encoded); len(matches) == 3 {
		payload = matches[2]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", errors.Wrap(err, "decode base64 image")
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image bytes")
	}
	return img, format, nil
}

// Downscale fits img inside maxWidth x maxHeight preserving aspect ratio.
// Images already within bounds are returned unchanged.
func Downscale(img image.Image, maxWidth, maxHeight int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxWidth <= 0 || maxHeight <= 0 || (w <= maxWidth && h <= maxHeight) {
		return img
	}

	ratioW := float64(maxWidth) / float64(w)
	ratioH := float64(maxHeight) / float64(h)
	ratio := ratioW
	if ratioH < ratio {
		ratio = ratioH
	}

	newW := int(float64(w) * ratio)
	newH := int(float64(h) * ratio)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// FlattenAlpha composites img over a white background. JPEG has no alpha
// channel, so transparent regions must be resolved before encoding.
func FlattenAlpha(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, bounds, img, bounds.Min, draw.Over)
	return dst
}

// EncodeJPEG encodes img at the given quality, flattening alpha first.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, FlattenAlpha(img), &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes img as PNG. Re-encoding through the standard encoder
// drops all ancillary chunks, which is how metadata stripping happens.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}

// CompressToTarget searches JPEG quality downward until the encoded size
// fits targetKB, starting at initialQuality and never going below minQuality.
// The best fitting result wins; if nothing fits, the smallest attempt is
// returned along with the quality that produced it.
func CompressToTarget(img image.Image, targetKB, initialQuality, minQuality int) ([]byte, int, error) {
	if minQuality < 1 {
		minQuality = 1
	}
	if initialQuality < minQuality {
		initialQuality = minQuality
	}
	targetBytes := targetKB * 1024

	lo, hi := minQuality, initialQuality
	var bestFit []byte
	bestQuality := 0
	var smallest []byte
	smallestQuality := 0

	for i := 0; i < compressMaxIterations && lo <= hi; i++ {
		q := (lo + hi) / 2
		data, err := EncodeJPEG(img, q)
		if err != nil {
			return nil, 0, err
		}
		if smallest == nil || len(data) < len(smallest) {
			smallest = data
			smallestQuality = q
		}
		if len(data) <= targetBytes {
			// fits, try higher quality
			if bestFit == nil || q > bestQuality {
				bestFit = data
				bestQuality = q
			}
			lo = q + 1
		} else {
			hi = q - 1
		}
	}

	if bestFit != nil {
		return bestFit, bestQuality, nil
	}
	return smallest, smallestQuality, nil
}

// OptimizeResult is the outcome of running an inline image through the
// optimization pipeline.
type OptimizeResult struct {
	Data     []byte
	MimeType string
	Format   string
	Quality  int
}

// Optimize runs one inline image through the configured pipeline: decode,
// downscale to the bounding box, then re-encode in the target format.
// target_size_kb turns the JPEG encode into a quality search. WebP output is
// not supported by the encoder side of the ecosystem, so a webp target falls
// back to JPEG at the webp quality setting.
func Optimize(encoded string, cfg config.ImageOptimization) (*OptimizeResult, error) {
	img, srcFormat, err := DecodeBase64(encoded)
	if err != nil {
		return nil, err
	}

	img = Downscale(img, cfg.MaxWidth, cfg.MaxHeight)

	format := strings.ToLower(cfg.TargetFormat)
	if format == "" {
		format = srcFormat
	}
	if format == "png" && cfg.ConvertPNGToJPG {
		format = "jpeg"
	}

	switch format {
	case "jpeg", "jpg", "webp":
		quality := cfg.JPEGQuality
		if format == "webp" {
			quality = cfg.WebPQuality
		}
		if quality <= 0 {
			quality = 85
		}
		if cfg.TargetSizeKB > 0 {
			data, usedQuality, err := CompressToTarget(img, cfg.TargetSizeKB, quality, cfg.MinQuality)
			if err != nil {
				return nil, err
			}
			return &OptimizeResult{Data: data, MimeType: "image/jpeg", Format: "jpeg", Quality: usedQuality}, nil
		}
		data, err := EncodeJPEG(img, quality)
		if err != nil {
			return nil, err
		}
		return &OptimizeResult{Data: data, MimeType: "image/jpeg", Format: "jpeg", Quality: quality}, nil
	default:
		data, err := EncodePNG(img)
		if err != nil {
			return nil, err
		}
		return &OptimizeResult{Data: data, MimeType: "image/png", Format: "png", Quality: 0}, nil
	}
}
