package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // decoder registration
	"image/jpeg"
	_ "image/png" // decoder registration
	"sort"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decoder registration
)

const jpegQuality = 90

// PageImage is one normalized page ready for assembly. Index is the page's
// position in the record.
type PageImage struct {
	Index  int
	JPEG   []byte
	Width  int
	Height int
}

// NormalizeImage decodes any supported raster format and re-encodes it as
// an opaque JPEG, flattening transparency onto white.
func NormalizeImage(data []byte) (jpegData []byte, width, height int, err error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, 0, 0, fmt.Errorf("decode image: empty %s image", format)
	}

	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}

// AssemblePDF lays out one image per page, each page sized to its image, in
// ascending Index order.
func AssemblePDF(pages []PageImage) ([]byte, error) {
	if len(pages) == 0 {
		return nil, errors.New("no pages to assemble")
	}
	ordered := append([]PageImage(nil), pages...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	doc := fpdf.New("P", "pt", "A4", "")
	doc.SetAutoPageBreak(false, 0)
	doc.SetMargins(0, 0, 0)
	opts := fpdf.ImageOptions{ImageType: "JPG"}

	for _, page := range ordered {
		w, h := float64(page.Width), float64(page.Height)
		if w <= 0 || h <= 0 {
			return nil, fmt.Errorf("page %d has invalid dimensions %dx%d", page.Index+1, page.Width, page.Height)
		}
		name := fmt.Sprintf("page-%d", page.Index)
		doc.RegisterImageOptionsReader(name, opts, bytes.NewReader(page.JPEG))
		doc.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
		doc.ImageOptions(name, 0, 0, w, h, false, opts, 0, "")
		if err := doc.Error(); err != nil {
			return nil, fmt.Errorf("add page %d: %w", page.Index+1, err)
		}
	}

	var out bytes.Buffer
	if err := doc.Output(&out); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return out.Bytes(), nil
}
