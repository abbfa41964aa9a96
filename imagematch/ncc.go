package imagematch

import (
	"image"
	"image/color"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Match is one accepted template location in screen coordinates.
type Match struct {
	// Center of the matched rectangle, the point actions should target.
	X, Y int
	// TopLeft of the matched rectangle.
	TopLeft image.Point
	// Width and Height of the template at the matched scale.
	Width, Height int
	// Score is the normalized correlation value in [-1, 1].
	Score float64
	// Scale the template was resized by for this match.
	Scale float64
}

// toGray converts any image to 8-bit grayscale using the same luma weights
// the original screenshots were matched with (0.299 R, 0.587 G, 0.114 B).
func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			lum := (299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000
			dst.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: uint8(lum)})
		}
	}
	return dst
}

// sumTables holds integral images of pixel values and squared values, used
// to derive per-window mean and variance in O(1).
type sumTables struct {
	w, h int
	sum  []float64
	sq   []float64
}

func buildSumTables(img *image.Gray) *sumTables {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	t := &sumTables{
		w:   w,
		h:   h,
		sum: make([]float64, (w+1)*(h+1)),
		sq:  make([]float64, (w+1)*(h+1)),
	}
	stride := w + 1
	for y := 0; y < h; y++ {
		var rowSum, rowSq float64
		for x := 0; x < w; x++ {
			v := float64(img.GrayAt(img.Rect.Min.X+x, img.Rect.Min.Y+y).Y)
			rowSum += v
			rowSq += v * v
			idx := (y+1)*stride + (x + 1)
			t.sum[idx] = t.sum[idx-stride] + rowSum
			t.sq[idx] = t.sq[idx-stride] + rowSq
		}
	}
	return t
}

// window returns the sum and squared sum of the w×h window at (x, y).
func (t *sumTables) window(x, y, w, h int) (s, sq float64) {
	stride := t.w + 1
	a := y*stride + x
	b := y*stride + (x + w)
	c := (y+h)*stride + x
	d := (y+h)*stride + (x + w)
	s = t.sum[d] - t.sum[b] - t.sum[c] + t.sum[a]
	sq = t.sq[d] - t.sq[b] - t.sq[c] + t.sq[a]
	return
}

// corrMap runs mean-normalized cross correlation of tmpl over screen and
// calls emit for every position whose score is at least minScore. Rows are
// split across workers; emit must be safe for concurrent use.
func corrMap(screen, tmpl *image.Gray, minScore float64, emit func(x, y int, score float64)) {
	sw, sh := screen.Rect.Dx(), screen.Rect.Dy()
	tw, th := tmpl.Rect.Dx(), tmpl.Rect.Dy()
	if tw > sw || th > sh || tw == 0 || th == 0 {
		return
	}

	// Template statistics are position independent.
	n := float64(tw * th)
	var tSum, tSq float64
	tNorm := make([]float64, tw*th)
	for y := 0; y < th; y++ {
		for x := 0; x < tw; x++ {
			v := float64(tmpl.GrayAt(tmpl.Rect.Min.X+x, tmpl.Rect.Min.Y+y).Y)
			tNorm[y*tw+x] = v
			tSum += v
			tSq += v * v
		}
	}
	tMean := tSum / n
	var tVar float64
	for i := range tNorm {
		tNorm[i] -= tMean
		tVar += tNorm[i] * tNorm[i]
	}
	if tVar == 0 {
		// Flat template matches nothing meaningfully.
		return
	}

	tables := buildSumTables(screen)
	maxY := sh - th
	maxX := sw - tw

	workers := runtime.NumCPU()
	if workers > maxY+1 {
		workers = maxY + 1
	}
	if workers < 1 {
		workers = 1
	}
	band := (maxY + workers) / workers

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		y0 := w * band
		y1 := y0 + band
		if y1 > maxY+1 {
			y1 = maxY + 1
		}
		if y0 >= y1 {
			continue
		}
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				for x := 0; x <= maxX; x++ {
					winSum, winSq := tables.window(x, y, tw, th)
					winVar := winSq - winSum*winSum/n
					if winVar <= 0 {
						continue
					}
					var dot float64
					for ty := 0; ty < th; ty++ {
						rowOff := (y+ty)*screen.Stride + x
						tOff := ty * tw
						for tx := 0; tx < tw; tx++ {
							dot += float64(screen.Pix[rowOff+tx]) * tNorm[tOff+tx]
						}
					}
					// Σ s·t' equals Σ (s - mean(s))·t' because Σ t' = 0.
					score := dot / math.Sqrt(tVar*winVar)
					if score >= minScore {
						emit(x, y, score)
					}
				}
			}
			return nil
		})
	}
	g.Wait()
}
