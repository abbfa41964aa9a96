// Package imagematch locates UI elements on device screenshots by
// normalized cross correlation against cached template images.
package imagematch

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultThreshold is the minimum correlation score for a match.
const DefaultThreshold = 0.8

// Options controls a single search.
type Options struct {
	// Threshold overrides DefaultThreshold when > 0.
	Threshold float64
	// Region restricts the search to a sub-rectangle of the screen.
	// Match coordinates are still reported in full-screen space.
	Region *image.Rectangle
	// Scales lists template resize factors to try. Empty means {1.0}.
	Scales []float64
	// Limit caps how many matches FindAll returns. Zero means no cap.
	Limit int
}

func (o Options) threshold() float64 {
	if o.Threshold > 0 {
		return o.Threshold
	}
	return DefaultThreshold
}

func (o Options) scales() []float64 {
	if len(o.Scales) == 0 {
		return []float64{1.0}
	}
	return o.Scales
}

// CaptureFunc produces a fresh screenshot for the polling searches.
type CaptureFunc func(ctx context.Context) (image.Image, error)

// Engine caches decoded templates and runs correlation searches.
// All methods are safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	cache map[string]*image.Gray
}

// NewEngine returns an Engine with an empty template cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*image.Gray)}
}

// Template returns the decoded grayscale template for path, loading and
// caching it on first use. The cached image is returned as-is on every
// subsequent call until the entry is cleared.
func (e *Engine) Template(path string) (*image.Gray, error) {
	e.mu.Lock()
	if tmpl, ok := e.cache[path]; ok {
		e.mu.Unlock()
		return tmpl, nil
	}
	e.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open template %s", path)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode template %s", path)
	}
	tmpl := toGray(img)

	e.mu.Lock()
	defer e.mu.Unlock()
	// Another goroutine may have raced the load; keep the first entry so
	// callers always see one stable image per path.
	if existing, ok := e.cache[path]; ok {
		return existing, nil
	}
	e.cache[path] = tmpl
	return tmpl, nil
}

// ClearTemplate drops the cached entry for path, if any.
func (e *Engine) ClearTemplate(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, path)
}

// ClearCache drops every cached template.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*image.Gray)
}

// CacheSize reports the number of cached templates.
func (e *Engine) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Find returns the best match of the template on the screen, or ok=false
// when no location reaches the threshold.
func (e *Engine) Find(screen image.Image, templatePath string, opts Options) (Match, bool, error) {
	matches, err := e.search(screen, templatePath, opts, true)
	if err != nil {
		return Match{}, false, err
	}
	if len(matches) == 0 {
		return Match{}, false, nil
	}
	return matches[0], true, nil
}

// FindAll returns every match above the threshold, best first, with
// overlapping candidates de-duplicated by center distance. Options.Limit
// caps the result.
func (e *Engine) FindAll(screen image.Image, templatePath string, opts Options) ([]Match, error) {
	matches, err := e.search(screen, templatePath, opts, false)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// FindAny searches several templates concurrently and returns the path and
// match with the highest score, or ok=false when none reach the threshold.
func (e *Engine) FindAny(screen image.Image, templatePaths []string, opts Options) (string, Match, bool, error) {
	var (
		mu       sync.Mutex
		bestPath string
		best     Match
		found    bool
	)
	var g errgroup.Group
	for _, path := range templatePaths {
		g.Go(func() error {
			m, ok, err := e.Find(screen, path, opts)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if !found || m.Score > best.Score {
				bestPath, best, found = path, m, true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", Match{}, false, err
	}
	return bestPath, best, found, nil
}

// FindMultiple searches every template concurrently and returns the best
// match per template path. A nil entry means that template was not found;
// every requested path is present in the map.
func (e *Engine) FindMultiple(screen image.Image, templatePaths []string, opts Options) (map[string]*Match, error) {
	out := make(map[string]*Match, len(templatePaths))
	var mu sync.Mutex
	var g errgroup.Group
	for _, path := range templatePaths {
		g.Go(func() error {
			m, ok, err := e.Find(screen, path, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				found := m
				out[path] = &found
			} else {
				out[path] = nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitFor polls capture at the given interval until the template is found
// or timeout elapses. A timeout is not an error: ok=false is returned.
func (e *Engine) WaitFor(ctx context.Context, capture CaptureFunc, templatePath string, timeout, interval time.Duration, opts Options) (Match, bool, error) {
	_, m, ok, err := e.waitAny(ctx, capture, []string{templatePath}, timeout, interval, opts)
	return m, ok, err
}

// WaitForAny polls capture until any of the templates is found or timeout
// elapses, returning the matched path.
func (e *Engine) WaitForAny(ctx context.Context, capture CaptureFunc, templatePaths []string, timeout, interval time.Duration, opts Options) (string, Match, bool, error) {
	return e.waitAny(ctx, capture, templatePaths, timeout, interval, opts)
}

func (e *Engine) waitAny(ctx context.Context, capture CaptureFunc, paths []string, timeout, interval time.Duration, opts Options) (string, Match, bool, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		screen, err := capture(ctx)
		if err != nil {
			return "", Match{}, false, err
		}
		path, m, ok, err := e.FindAny(screen, paths, opts)
		if err != nil {
			return "", Match{}, false, err
		}
		if ok {
			return path, m, true, nil
		}
		if !time.Now().Before(deadline) {
			log.Debug().Strs("templates", paths).Dur("timeout", timeout).Msg("imagematch: wait timed out")
			return "", Match{}, false, nil
		}
		select {
		case <-ctx.Done():
			return "", Match{}, false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (e *Engine) search(screen image.Image, templatePath string, opts Options, bestOnly bool) ([]Match, error) {
	if screen == nil {
		return nil, errors.New("imagematch: nil screen")
	}
	tmpl, err := e.Template(templatePath)
	if err != nil {
		return nil, err
	}

	grayScreen := toGray(screen)
	offset := image.Point{}
	if opts.Region != nil {
		r := opts.Region.Intersect(grayScreen.Rect)
		if r.Empty() {
			return nil, errors.Errorf("imagematch: region %v outside screen %v", *opts.Region, grayScreen.Rect)
		}
		grayScreen = grayScreen.SubImage(r).(*image.Gray)
		offset = r.Min
	}

	threshold := opts.threshold()
	var (
		mu         sync.Mutex
		candidates []Match
	)
	for _, scale := range opts.scales() {
		scaled := tmpl
		if scale != 1.0 {
			w := int(math.Round(float64(tmpl.Rect.Dx()) * scale))
			h := int(math.Round(float64(tmpl.Rect.Dy()) * scale))
			if w < 1 || h < 1 {
				continue
			}
			scaled = toGray(imaging.Resize(tmpl, w, h, imaging.Lanczos))
		}
		tw, th := scaled.Rect.Dx(), scaled.Rect.Dy()
		corrMap(grayScreen, scaled, threshold, func(x, y int, score float64) {
			tl := image.Point{X: offset.X + x, Y: offset.Y + y}
			m := Match{
				X:       tl.X + tw/2,
				Y:       tl.Y + th/2,
				TopLeft: tl,
				Width:   tw,
				Height:  th,
				Score:   score,
				Scale:   scale,
			}
			mu.Lock()
			candidates = append(candidates, m)
			mu.Unlock()
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if bestOnly {
		return candidates[:1], nil
	}
	return dedup(candidates), nil
}

// dedup keeps the best-scoring candidate of each cluster. A candidate is
// discarded when its center lies closer than half the smaller matched
// dimension to an already accepted match.
func dedup(sorted []Match) []Match {
	var accepted []Match
	for _, c := range sorted {
		minDim := c.Width
		if c.Height < minDim {
			minDim = c.Height
		}
		limit := float64(minDim) / 2
		keep := true
		for _, a := range accepted {
			dx := float64(c.X - a.X)
			dy := float64(c.Y - a.Y)
			if math.Sqrt(dx*dx+dy*dy) < limit {
				keep = false
				break
			}
		}
		if keep {
			accepted = append(accepted, c)
		}
	}
	return accepted
}
