// Package evidence stores annotated frame images for violation events.
package evidence

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

const (
	defaultQuality = 85
	boxThickness   = 2
	captionMargin  = 10
	lineHeight     = 16
)

var (
	boxColor     = color.RGBA{R: 255, A: 255}
	captionColor = color.RGBA{G: 255, A: 255}
	idColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Store writes evidence images under <dir>/<YYYYMM>/<violation_id>.jpg.
type Store struct {
	dir     string
	quality int
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, quality int) *Store {
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	return &Store{dir: dir, quality: quality}
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the evidence image of ev is stored.
func (s *Store) Path(ev ppe.Event) string {
	return filepath.Join(s.dir, ev.OpenedAt.Format("200601"), ev.ID.String()+".jpg")
}

// Save annotates img with the person box and a caption and writes it as JPEG.
// Returns the written path.
func (s *Store) Save(img image.Image, ev ppe.Event, person ppe.BBox) (string, error) {
	path := s.Path(ev)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating evidence directory: %w", err)
	}

	annotated := Annotate(img, person,
		ev.OpenedAt.Format("2006-01-02 15:04:05"),
		ev.ID.String()+" missing: "+ev.Missing.String(),
	)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".evidence-*")
	if err != nil {
		return "", fmt.Errorf("creating evidence file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after rename

	if err := jpeg.Encode(tmp, annotated, &jpeg.Options{Quality: s.quality}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encoding evidence image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing evidence image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("writing evidence image: %w", err)
	}
	return path, nil
}

// Remove deletes an evidence image. Missing files are not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing evidence %s: %w", path, err)
	}
	return nil
}

// Annotate returns a copy of img with box outlined and lines of text drawn in
// the top-left corner. The first line is drawn in green, the rest in white.
func Annotate(img image.Image, box ppe.BBox, lines ...string) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	drawRect(dst, image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2)), boxColor)

	for i, line := range lines {
		c := idColor
		if i == 0 {
			c = captionColor
		}
		d := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(c),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(captionMargin, captionMargin+lineHeight*(i+1)),
		}
		d.DrawString(line)
	}
	return dst
}

func drawRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	t := min(boxThickness, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}
