// rational.go defines the Rational type used for frame rates and time bases.

package types

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

type Rational struct {
	Num int
	Den int
}

func (r Rational) Reverse() Rational {
	return Rational{
		Num: r.Den,
		Den: r.Num,
	}
}

func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) IsZero() bool {
	return r.Num == 0
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// ntscRational returns N*1000/1001 if fps is close enough to it.
func ntscRational(fps float64) (Rational, bool) {
	num := math.Ceil(fps) * 1000
	if math.Abs(fps-num/1001) >= 1e-2 {
		return Rational{}, false
	}
	return Rational{Num: int(num), Den: 1001}, true
}

// RationalFromFloat64 converts a frame rate into a Rational, preferring the
// NTSC-style denominators for non-integer rates.
func RationalFromFloat64(fps float64) Rational {
	if float64(int(fps)) == fps {
		return Rational{Num: int(fps), Den: 1}
	}
	if r, ok := ntscRational(fps); ok {
		return r
	}
	num := big.NewInt(int64(math.Round(fps * 1000000)))
	den := big.NewInt(1000000)
	gcd := new(big.Int).GCD(nil, nil, num, den)
	return Rational{
		Num: int(new(big.Int).Div(num, gcd).Int64()),
		Den: int(new(big.Int).Div(den, gcd).Int64()),
	}
}

// ParseRational parses either "N/D" or a decimal number.
func ParseRational(s string) (Rational, error) {
	var r Rational
	switch {
	case len(s) == 0:
		return Rational{}, fmt.Errorf("unable to parse Rational from an empty string")
	case strings.Contains(s, "/"):
		if _, err := fmt.Sscanf(s, "%d/%d", &r.Num, &r.Den); err != nil {
			return Rational{}, fmt.Errorf("unable to parse Rational from %q: %w", s, err)
		}
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Rational{}, fmt.Errorf("unable to parse Rational from %q: %w", s, err)
		}
		r = RationalFromFloat64(f)
	}
	if r.Den == 0 {
		return Rational{}, fmt.Errorf("denominator cannot be zero")
	}
	return r, nil
}

func (r Rational) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rational) UnmarshalText(b []byte) error {
	v, err := ParseRational(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
