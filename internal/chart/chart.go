// Package chart turns ledger totals into chart data and PNG images.
package chart

import (
	"errors"
	"fmt"
	"io"

	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"genspese/internal/core"
)

// ErrNoData is returned when there is nothing to draw.
var ErrNoData = errors.New("no chart data")

// Kind selects the chart type.
type Kind string

const (
	Pie Kind = "pie"
	Bar Kind = "bar"
)

// ParseKind returns Pie for empty input.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", Pie:
		return Pie, nil
	case Bar:
		return Bar, nil
	}
	return "", fmt.Errorf("unknown chart kind %q", s)
}

// DataPoint is one slice or bar.
type DataPoint struct {
	CategoryID string  `json:"categoryId"`
	Label      string  `json:"label"`
	Value      float64 `json:"value"`
	Color      string  `json:"color"`

	color core.Color
}

// Data is the chart payload served to the rendering layer.
type Data struct {
	Points []DataPoint `json:"points"`
	Total  float64     `json:"total"`
}

// FromSnapshot builds one point per category holding at least one expense,
// in category order.
func FromSnapshot(snap core.LedgerSnapshot) Data {
	d := Data{Points: []DataPoint{}, Total: core.AmountFloat(snap.Total)}
	for _, cs := range snap.Categories {
		if len(cs.Expenses) == 0 {
			continue
		}
		d.Points = append(d.Points, DataPoint{
			CategoryID: cs.Category.ID,
			Label:      cs.Category.Name,
			Value:      core.AmountFloat(cs.Total),
			Color:      cs.Category.Color.Hex(),
			color:      cs.Category.Color,
		})
	}
	return d
}

// Options sizes the rendered image.
type Options struct {
	Kind   Kind
	Title  string
	Width  int
	Height int
}

func (o Options) withDefaults() Options {
	if o.Kind == "" {
		o.Kind = Pie
	}
	if o.Width <= 0 {
		o.Width = 800
	}
	if o.Height <= 0 {
		o.Height = 400
	}
	return o
}

// RenderPNG draws d into w. Slices and bars use the category colors.
func RenderPNG(w io.Writer, d Data, opts Options) error {
	opts = opts.withDefaults()

	var values []gochart.Value
	sum, peak := 0.0, 0.0
	for _, p := range d.Points {
		if p.Value <= 0 {
			continue
		}
		sum += p.Value
		peak = max(peak, p.Value)
		c := p.color
		if c == 0 {
			c = core.ResolveColor(p.Color)
		}
		fill := toDrawing(c)
		values = append(values, gochart.Value{
			Label: p.Label,
			Value: p.Value,
			Style: gochart.Style{
				FillColor:   fill,
				StrokeColor: fill.WithAlpha(255),
				StrokeWidth: 0,
			},
		})
	}
	if len(values) == 0 || sum == 0 {
		return ErrNoData
	}

	background := gochart.Style{
		Padding: gochart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
	}

	var err error
	switch opts.Kind {
	case Bar:
		bc := gochart.BarChart{
			Title:      opts.Title,
			Background: background,
			Width:      opts.Width,
			Height:     opts.Height,
			BarWidth:   60,
			Bars:       values,
		}
		// A range derived from the bars is empty when they are all equal.
		bc.YAxis.Range = &gochart.ContinuousRange{Min: 0, Max: peak * 1.1}
		bc.YAxis.ValueFormatter = func(v interface{}) string {
			if vf, isFloat := v.(float64); isFloat {
				return fmt.Sprintf("%.2f", vf)
			}
			return ""
		}
		err = bc.Render(gochart.PNG, w)
	default:
		pc := gochart.PieChart{
			Title:      opts.Title,
			Background: background,
			Width:      opts.Width,
			Height:     opts.Height,
			Values:     values,
		}
		err = pc.Render(gochart.PNG, w)
	}
	if err != nil {
		return fmt.Errorf("render %s chart: %w", opts.Kind, err)
	}
	return nil
}

func toDrawing(c core.Color) drawing.Color {
	return drawing.Color{R: c.R(), G: c.G(), B: c.B(), A: c.A()}
}
