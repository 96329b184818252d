// Package layout splits a photographed scan into its physical tag sheets and
// each sheet into the header and data cell sub-images the recognizer reads.
package layout

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
)

// Rect is a rectangle in fractions of the enclosing image's width and height.
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// RectFromSlice converts a [x0, y0, x1, y1] slice; anything else yields an empty Rect.
func RectFromSlice(v []float64) Rect {
	if len(v) != 4 {
		return Rect{}
	}
	return Rect{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}
}

// Empty reports whether the rectangle covers no area.
func (r Rect) Empty() bool {
	return r.X1 <= r.X0 || r.Y1 <= r.Y0
}

// Pixels maps the rectangle onto the pixel bounds b.
func (r Rect) Pixels(b image.Rectangle) image.Rectangle {
	w, h := float64(b.Dx()), float64(b.Dy())
	return image.Rect(
		b.Min.X+int(math.Round(r.X0*w)),
		b.Min.Y+int(math.Round(r.Y0*h)),
		b.Min.X+int(math.Round(r.X1*w)),
		b.Min.Y+int(math.Round(r.Y1*h)),
	)
}

// Geometry describes where sheets, headers and cells are found on a scan.
type Geometry struct {
	Sheets               []Rect
	RotationAngle        float64
	ExpectedAspectRatio  float64
	AspectRatioTolerance float64
	Header               Rect
	Grid                 Rect
	Rows                 int
	Cols                 int
}

// GeometryFromSettings builds the geometry configured for the pipeline.
func GeometryFromSettings(s config.OCRSettings) Geometry {
	g := Geometry{
		RotationAngle:        s.RotationAngle,
		ExpectedAspectRatio:  s.ExpectedAspectRatio,
		AspectRatioTolerance: s.AspectRatioTolerance,
		Header:               RectFromSlice(s.HeaderCoordinates),
		Grid:                 RectFromSlice(s.GridCoordinates),
		Rows:                 s.Rows,
		Cols:                 s.Cols,
	}
	for _, c := range s.SheetCoordinates {
		g.Sheets = append(g.Sheets, RectFromSlice(c))
	}
	return g
}

// CellsPerSheet returns the number of data cells on one sheet.
func (g Geometry) CellsPerSheet() int {
	return g.Rows * g.Cols
}

// Cell is one data box of a sheet.
type Cell struct {
	Index int
	Row   int
	Col   int
	Image image.Image
}

// Sheet is one decoded physical sheet.
type Sheet struct {
	Source   string
	Position int
	Image    image.Image
	Header   image.Image
	Cells    []Cell
}

// Result is the outcome for one sheet position of a scan.
// Exactly one of Sheet and Err is set.
type Result struct {
	Position int
	Sheet    *Sheet
	Err      error
}

// LayoutError reports a sheet whose photographed geometry is unusable.
// The sheet has to be photographed again.
type LayoutError struct {
	Source      string
	Position    int
	AspectRatio float64
	Expected    float64
	Reason      string
}

func (e *LayoutError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("layout error in %s sheet %d: %s", e.Source, e.Position, e.Reason)
	}
	return fmt.Sprintf("layout error in %s sheet %d: aspect ratio %.3f deviates from expected %.3f",
		e.Source, e.Position, e.AspectRatio, e.Expected)
}

// Decoder splits scans according to a Geometry.
type Decoder struct {
	geometry Geometry
}

// NewDecoder creates a new Decoder.
func NewDecoder(geometry Geometry) *Decoder {
	return &Decoder{geometry: geometry}
}

// DecodeFile opens an image file, honoring EXIF orientation, and decodes it.
func (d *Decoder) DecodeFile(path string) ([]Result, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open scan: %w", err)
	}
	return d.Decode(path, img), nil
}

// Decode rotates the scan and returns one Result per enabled sheet position.
// A LayoutError affects only its own position.
func (d *Decoder) Decode(source string, img image.Image) []Result {
	if d.geometry.RotationAngle != 0 {
		img = imaging.Rotate(img, d.geometry.RotationAngle, color.White)
	}

	var results []Result
	for position, rect := range d.geometry.Sheets {
		if rect == (Rect{}) {
			continue
		}
		sheet, err := d.decodeSheet(source, position, img, rect)
		results = append(results, Result{Position: position, Sheet: sheet, Err: err})
	}
	return results
}

func (d *Decoder) decodeSheet(source string, position int, img image.Image, rect Rect) (*Sheet, error) {
	bounds := rect.Pixels(img.Bounds())
	if rect.Empty() || bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, &LayoutError{Source: source, Position: position, Reason: "empty sheet region"}
	}

	ratio := float64(bounds.Dx()) / float64(bounds.Dy())
	expected := d.geometry.ExpectedAspectRatio
	if math.Abs(ratio-expected)/expected > d.geometry.AspectRatioTolerance {
		return nil, &LayoutError{Source: source, Position: position, AspectRatio: ratio, Expected: expected}
	}

	sheetImg := imaging.Crop(img, bounds)
	sheet := &Sheet{
		Source:   source,
		Position: position,
		Image:    sheetImg,
		Header:   imaging.Crop(sheetImg, d.geometry.Header.Pixels(sheetImg.Bounds())),
	}

	grid := d.geometry.Grid.Pixels(sheetImg.Bounds())
	cellW := float64(grid.Dx()) / float64(d.geometry.Cols)
	cellH := float64(grid.Dy()) / float64(d.geometry.Rows)
	if cellW < 1 || cellH < 1 {
		return nil, &LayoutError{Source: source, Position: position, Reason: "grid too small for cell layout"}
	}

	for row := 0; row < d.geometry.Rows; row++ {
		for col := 0; col < d.geometry.Cols; col++ {
			cell := image.Rect(
				grid.Min.X+int(math.Round(float64(col)*cellW)),
				grid.Min.Y+int(math.Round(float64(row)*cellH)),
				grid.Min.X+int(math.Round(float64(col+1)*cellW)),
				grid.Min.Y+int(math.Round(float64(row+1)*cellH)),
			)
			sheet.Cells = append(sheet.Cells, Cell{
				Index: row*d.geometry.Cols + col,
				Row:   row,
				Col:   col,
				Image: imaging.Crop(sheetImg, cell),
			})
		}
	}

	return sheet, nil
}
