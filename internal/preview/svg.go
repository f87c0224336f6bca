package preview

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NewRenderer returns the renderer for an output format.
func NewRenderer(format string) (Renderer, error) {
	switch format {
	case "", "svg":
		return SVGRenderer{}, nil
	}
	return nil, fmt.Errorf("unsupported preview format %q", format)
}

// SVGRenderer draws each stroke as a polyline whose width follows the mean
// pen pressure of the stroke.
type SVGRenderer struct {
	// Color of the strokes. Defaults to black.
	Color string
	// BaseWidth is the stroke width at pressure 1. Defaults to 2.
	BaseWidth float64
	// Margin around the capture bounds. Defaults to 10.
	Margin float64
}

func (r SVGRenderer) Extension() string { return "svg" }

// Render produces a standalone SVG document.
func (r SVGRenderer) Render(ctx context.Context, c Capture) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	color := r.Color
	if color == "" {
		color = "#000000"
	}
	baseWidth := r.BaseWidth
	if baseWidth <= 0 {
		baseWidth = 2
	}
	margin := r.Margin
	if margin <= 0 {
		margin = 10
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, s := range c.Strokes {
		for _, d := range s.Dots {
			if !finite(d.X) || !finite(d.Y) || !finite(d.Pressure) {
				return nil, fmt.Errorf("%w: stroke %d has a non-finite dot", ErrRenderFailed, s.ID)
			}
			minX, maxX = math.Min(minX, d.X), math.Max(maxX, d.X)
			minY, maxY = math.Min(minY, d.Y), math.Max(maxY, d.Y)
		}
	}
	if math.IsInf(minX, 1) {
		minX, minY, maxX, maxY = 0, 0, 0, 0
	}

	width := maxX - minX + 2*margin
	height := maxY - minY + 2*margin
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="%s %s %s %s" width="%s" height="%s">`,
		num(minX-margin), num(minY-margin), num(width), num(height), num(width), num(height))
	b.WriteString("\n")

	for _, s := range c.Strokes {
		if len(s.Dots) == 0 {
			continue
		}
		w := baseWidth * meanPressure(s.Dots)
		if len(s.Dots) == 1 {
			d := s.Dots[0]
			fmt.Fprintf(&b, `<circle cx="%s" cy="%s" r="%s" fill="%s"/>`, num(d.X), num(d.Y), num(w/2), color)
			b.WriteString("\n")
			continue
		}
		points := make([]string, 0, len(s.Dots))
		for _, d := range s.Dots {
			points = append(points, num(d.X)+","+num(d.Y))
		}
		fmt.Fprintf(&b, `<polyline points="%s" fill="none" stroke="%s" stroke-width="%s" stroke-linecap="round" stroke-linejoin="round"/>`,
			strings.Join(points, " "), color, num(w))
		b.WriteString("\n")
	}
	b.WriteString("</svg>\n")
	return []byte(b.String()), nil
}

func meanPressure(dots []Dot) float64 {
	var sum float64
	for _, d := range dots {
		sum += d.Pressure
	}
	mean := sum / float64(len(dots))
	if mean <= 0 {
		return 1
	}
	return mean
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
