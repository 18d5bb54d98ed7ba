package throttle

import (
	"math"
	"regexp"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/mycnet/ramrepl/metrics"
	"github.com/mycnet/ramrepl/utils/log"
)

// CurveFunc maps a buffer level to a throttling intensity. Implementations
// must be pure and return values in [0, maxIntensity]; out-of-range outputs
// are clamped at runtime and reported as a configuration error.
type CurveFunc func(level, threshold, maxIntensity float64) float64

// Custom curves are registered by name and resolved at configuration time,
// so that curve selection stays serializable across config boundaries
// instead of passing closures around.
var curveRegistry = struct {
	sync.RWMutex
	m map[string]CurveFunc
}{m: map[string]CurveFunc{}}

// RegisterCurve makes a named curve available to Custom and ParseCurve.
func RegisterCurve(name string, fn CurveFunc) error {
	if name == "" || fn == nil {
		return errors.New("curve registration requires a name and a function")
	}
	curveRegistry.Lock()
	defer curveRegistry.Unlock()
	if _, ok := curveRegistry.m[name]; ok {
		return errors.Errorf("throttling curve %q already registered", name)
	}
	curveRegistry.m[name] = fn
	return nil
}

// ControlPoints builds a CurveFunc that linearly interpolates between
// (normalized level, intensity) control points, falling back to the maximum
// intensity beyond the last point.
func ControlPoints(points [][2]float64) CurveFunc {
	pts := make([][2]float64, len(points))
	copy(pts, points)
	return func(level, threshold, maxIntensity float64) float64 {
		norm := normalize(level, threshold)
		for i := 0; i+1 < len(pts); i++ {
			x1, y1 := pts[i][0], pts[i][1]
			x2, y2 := pts[i+1][0], pts[i+1][1]
			if norm >= x1 && norm <= x2 {
				t := (norm - x1) / (x2 - x1)
				return y1 + t*(y2-y1)
			}
		}
		return maxIntensity
	}
}

type curveKind int

const (
	linearCurve curveKind = iota
	exponentialCurve
	customCurve
)

// Curve is the tagged throttling curve variant: Linear, Exponential with a
// configurable exponent, or a registered Custom function.
type Curve struct {
	kind     curveKind
	exponent float64
	name     string
	fn       CurveFunc

	clampWarn sync.Once
}

func Linear() *Curve {
	return &Curve{kind: linearCurve}
}

func Exponential(exponent float64) *Curve {
	return &Curve{kind: exponentialCurve, exponent: exponent}
}

// Custom resolves a registered curve by name.
func Custom(name string) (*Curve, error) {
	curveRegistry.RLock()
	fn, ok := curveRegistry.m[name]
	curveRegistry.RUnlock()
	if !ok {
		return nil, errors.Errorf("throttling curve %q is not registered", name)
	}
	return &Curve{kind: customCurve, name: name, fn: fn}, nil
}

var curveSpecRegex = regexp.MustCompile(`^(linear|exponential\(([0-9.]+)\)|custom\(([^)]+)\))$`)

// ParseCurve parses a config curve spec: "linear", "exponential(<exp>)" or
// "custom(<name>)".
func ParseCurve(spec string) (*Curve, error) {
	group := curveSpecRegex.FindStringSubmatch(spec)
	if group == nil {
		return nil, errors.Errorf("invalid throttling curve spec %q", spec)
	}
	switch {
	case group[0] == "linear":
		return Linear(), nil
	case group[2] != "":
		exp, err := strconv.ParseFloat(group[2], 64)
		if err != nil || exp <= 0 {
			return nil, errors.Errorf("invalid exponent in curve spec %q", spec)
		}
		return Exponential(exp), nil
	default:
		return Custom(group[3])
	}
}

// Intensity computes the throttle intensity for a buffer level. Below the
// threshold the intensity is always zero; above it the configured curve is
// applied over the normalized range [threshold, 1.0] -> [0, maxIntensity].
func (c *Curve) Intensity(level, threshold, maxIntensity float64) float64 {
	if level <= threshold {
		return 0
	}
	norm := normalize(level, threshold)

	switch c.kind {
	case linearCurve:
		return maxIntensity * norm
	case exponentialCurve:
		return maxIntensity * math.Pow(norm, c.exponent)
	default:
		v := c.fn(level, threshold, maxIntensity)
		if v < 0 || v > maxIntensity {
			c.clampWarn.Do(func() {
				log.Error("custom throttling curve %q returned out-of-range intensity %v, clamping to [0, %v]",
					c.name, v, maxIntensity)
			})
			metrics.CurveConfigErrorsTotal.Inc()
			v = math.Max(0, math.Min(v, maxIntensity))
		}
		return v
	}
}

func (c *Curve) String() string {
	switch c.kind {
	case linearCurve:
		return "linear"
	case exponentialCurve:
		return "exponential(" + strconv.FormatFloat(c.exponent, 'g', -1, 64) + ")"
	default:
		return "custom(" + c.name + ")"
	}
}

func normalize(level, threshold float64) float64 {
	if threshold >= 1 {
		return 1
	}
	norm := (level - threshold) / (1 - threshold)
	if norm < 0 {
		return 0
	}
	if norm > 1 {
		return 1
	}
	return norm
}
