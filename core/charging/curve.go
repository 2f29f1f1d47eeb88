package charging

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// Point is one knot of a power curve: at SoC percent the charger delivers
// Fraction of its effective maximum power.
type Point struct {
	SoC      float64 `yaml:"soc" json:"soc"`
	Fraction float64 `yaml:"fraction" json:"fraction"`
}

// Curve interpolates linearly between its points and holds the end values
// outside of them.
type Curve struct {
	points []Point
	pl     interp.PiecewiseLinear
}

// NewCurve fits a curve through points, sorted by SoC.
func NewCurve(points []Point) (*Curve, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("curve needs at least 2 points, got %d", len(points))
	}
	pts := append([]Point(nil), points...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].SoC < pts[j].SoC })
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		if p.Fraction < 0 || p.Fraction > 1 {
			return nil, fmt.Errorf("curve fraction %.2f at soc %.1f outside [0,1]", p.Fraction, p.SoC)
		}
		if i > 0 && p.SoC == pts[i-1].SoC {
			return nil, fmt.Errorf("curve has two points at soc %.1f", p.SoC)
		}
		xs[i], ys[i] = p.SoC, p.Fraction
	}
	c := &Curve{points: pts}
	if err := c.pl.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("fit curve: %w", err)
	}
	return c, nil
}

// Fraction returns the share of maximum power available at soc.
func (c *Curve) Fraction(soc float64) float64 {
	return c.pl.Predict(soc)
}

// Points returns a copy of the knots.
func (c *Curve) Points() []Point { return append([]Point(nil), c.points...) }

// DC chargers ramp below 20%, hold the peak up to 50% and taper afterwards,
// sharply above 80%.
var DefaultDCCurve = []Point{{0, 0.5}, {20, 1}, {50, 1}, {80, 0.5}, {100, 0.1}}

// AC chargers hold full power up to 80% then taper in two steps.
var DefaultACCurve = []Point{{0, 1}, {80, 1}, {90, 0.7}, {100, 0.3}}

func mustCurve(points []Point) *Curve {
	c, err := NewCurve(points)
	if err != nil {
		panic(err)
	}
	return c
}
