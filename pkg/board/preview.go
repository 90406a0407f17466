package board

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"sync"

	// register decoders for the formats the upstream CDN serves previews in
	_ "image/gif"
	_ "image/jpeg"
)

const (
	previewSheetSize = 1500
	previewCell      = 150
	previewCols      = 10
)

// composePreviewSheet fetches every post's preview thumbnail and draws them
// onto one 1500x1500 PNG, 150px cells in reading order, each thumbnail
// centered in its cell. Any fetch or decode failure fails the whole sheet;
// the caller serves the placeholder instead.
func (s *Service) composePreviewSheet(ctx context.Context, posts []Post) (Image, error) {
	type result struct {
		idx int
		img image.Image
		err error
	}

	results := make(chan result, len(posts))
	for i, p := range posts {
		go func(idx int, url string) {
			raw, err := s.fetchImage(ctx, url)
			if err != nil {
				results <- result{idx: idx, err: err}
				return
			}
			decoded, _, err := image.Decode(bytes.NewReader(raw.Data))
			results <- result{idx: idx, img: decoded, err: err}
		}(i, p.Preview.URL)
	}

	thumbs := make([]image.Image, len(posts))
	for range posts {
		r := <-results
		if r.err != nil {
			return Image{}, fmt.Errorf("preview %d: %w", r.idx, r.err)
		}
		thumbs[r.idx] = r.img
	}

	sheet := image.NewRGBA(image.Rect(0, 0, previewSheetSize, previewSheetSize))
	for i, thumb := range thumbs {
		b := thumb.Bounds()
		w, h := b.Dx(), b.Dy()
		x := (i%previewCols)*previewCell + centerOffset(w)
		y := (i/previewCols)*previewCell + centerOffset(h)
		draw.Draw(sheet, image.Rect(x, y, x+w, y+h), thumb, b.Min, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sheet); err != nil {
		return Image{}, err
	}
	return Image{Data: buf.Bytes(), MIME: "image/png"}, nil
}

// centerOffset centers a dimension inside a cell, clamped so oversized
// thumbnails still start at the cell edge.
func centerOffset(dim int) int {
	off := (previewCell - dim) / 2
	if off < 0 {
		return 0
	}
	return off
}

var (
	placeholderOnce sync.Once
	placeholderImg  Image
)

// placeholderImage is a 1x1 transparent PNG served when a resource could
// not be fetched. The sandbox renderer treats it as "nothing to show".
func placeholderImage() Image {
	placeholderOnce.Do(func() {
		px := image.NewRGBA(image.Rect(0, 0, 1, 1))
		var buf bytes.Buffer
		_ = png.Encode(&buf, px)
		placeholderImg = Image{Data: buf.Bytes(), MIME: "image/png"}
	})
	return placeholderImg
}
