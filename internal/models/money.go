package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is an amount in micro-units (1e-6) of the order currency.
type Money int64

const microsPerUnit = 1_000_000

// ParseMoney parses a decimal amount such as "0.0025". An optional leading
// "-" is the only sign accepted. Digits beyond the sixth decimal place are
// rounded half-up.
func ParseMoney(s string) (Money, error) {
	in := strings.TrimSpace(s)
	s, neg := strings.CutPrefix(in, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" || !isDigits(whole) || !isDigits(frac) {
		return 0, fmt.Errorf("invalid amount %q", in)
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > maxWholeUnits {
		return 0, fmt.Errorf("amount %q out of range", in)
	}

	var roundUp bool
	if len(frac) > 6 {
		roundUp = frac[6] >= '5'
		frac = frac[:6]
	}
	frac += strings.Repeat("0", 6-len(frac))
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", in, err)
	}

	m := w*microsPerUnit + f
	if roundUp {
		m++
	}
	if neg {
		m = -m
	}
	return Money(m), nil
}

// maxWholeUnits keeps whole*microsPerUnit plus a rounded fraction within int64.
const maxWholeUnits = math.MaxInt64/microsPerUnit - 1

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Times returns the amount multiplied by a play count.
func (m Money) Times(quantity int64) Money {
	return m * Money(quantity)
}

// Cents rounds the amount half-up to the smallest currency unit.
func (m Money) Cents() int64 {
	const microsPerCent = microsPerUnit / 100
	v := int64(m)
	if v < 0 {
		return -((-v + microsPerCent/2) / microsPerCent)
	}
	return (v + microsPerCent/2) / microsPerCent
}

func (m Money) String() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/microsPerUnit, v%microsPerUnit)
}
