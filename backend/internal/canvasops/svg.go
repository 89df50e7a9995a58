package canvasops

import (
	"context"
	"fmt"
	"html"
	"math"
	"strings"

	"canvasCollab/backend/internal/scene"
)

// SVGRenderer 把场景导出为 SVG 文本，只支持 image/svg+xml
type SVGRenderer struct {
	Padding float64
}

var _ Renderer = SVGRenderer{}

func (r SVGRenderer) Render(ctx context.Context, snap scene.Snapshot, mimeType string, scale float64) ([]byte, error) {
	if mimeType != "" && mimeType != "image/svg+xml" {
		return nil, fmt.Errorf("canvasops: svg renderer cannot produce %s", mimeType)
	}
	if scale <= 0 {
		scale = 1
	}
	minX, minY, maxX, maxY := bounds(snap.Elements)
	pad := r.Padding
	w := (maxX - minX + 2*pad) * scale
	h := (maxY - minY + 2*pad) * scale

	bg := snap.AppState.ViewBackgroundColor
	if bg == "" {
		bg = "#ffffff"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%g" height="%g" viewBox="%g %g %g %g">`,
		w, h, minX-pad, minY-pad, maxX-minX+2*pad, maxY-minY+2*pad)
	fmt.Fprintf(&b, `<rect x="%g" y="%g" width="100%%" height="100%%" fill="%s"/>`, minX-pad, minY-pad, html.EscapeString(bg))
	for _, el := range snap.Elements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		writeElement(&b, el, snap.Files)
	}
	b.WriteString(`</svg>`)
	return []byte(b.String()), nil
}

func bounds(els []scene.Element) (minX, minY, maxX, maxY float64) {
	if len(els) == 0 {
		return 0, 0, 1, 1
	}
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, el := range els {
		minX = math.Min(minX, el.X)
		minY = math.Min(minY, el.Y)
		maxX = math.Max(maxX, el.X+el.Width)
		maxY = math.Max(maxY, el.Y+el.Height)
	}
	return
}

func writeElement(b *strings.Builder, el scene.Element, files scene.FileMap) {
	stroke := el.StrokeColor
	if stroke == "" {
		stroke = "#1e1e1e"
	}
	fill := el.BackgroundColor
	if fill == "" {
		fill = "none"
	}
	style := fmt.Sprintf(`stroke="%s" fill="%s" stroke-width="%g"`, html.EscapeString(stroke), html.EscapeString(fill), math.Max(el.StrokeWidth, 1))
	transform := ""
	if el.Angle != 0 {
		cx, cy := el.X+el.Width/2, el.Y+el.Height/2
		transform = fmt.Sprintf(` transform="rotate(%g %g %g)"`, el.Angle*180/math.Pi, cx, cy)
	}

	switch el.Type {
	case scene.TypeRectangle:
		fmt.Fprintf(b, `<rect x="%g" y="%g" width="%g" height="%g" %s%s/>`, el.X, el.Y, el.Width, el.Height, style, transform)
	case scene.TypeEllipse:
		fmt.Fprintf(b, `<ellipse cx="%g" cy="%g" rx="%g" ry="%g" %s%s/>`, el.X+el.Width/2, el.Y+el.Height/2, el.Width/2, el.Height/2, style, transform)
	case scene.TypeLine:
		pts := make([]string, 0, len(el.Points))
		for _, p := range el.Points {
			pts = append(pts, fmt.Sprintf("%g,%g", el.X+p[0], el.Y+p[1]))
		}
		fmt.Fprintf(b, `<polyline points="%s" %s%s/>`, strings.Join(pts, " "), style, transform)
	case scene.TypeText:
		fmt.Fprintf(b, `<text x="%g" y="%g" fill="%s"%s>%s</text>`, el.X, el.Y+el.Height, html.EscapeString(stroke), transform, html.EscapeString(el.Text))
	case scene.TypeImage:
		f, ok := files[el.FileID]
		if !ok {
			return
		}
		fmt.Fprintf(b, `<image x="%g" y="%g" width="%g" height="%g" href="%s"%s/>`, el.X, el.Y, el.Width, el.Height, html.EscapeString(f.DataURL), transform)
	}
}
