package metering

import (
	"fmt"
	"strconv"
	"strings"
)

// Amount is a monetary value in micro-credits (1/1,000,000 of a credit).
// Integer arithmetic keeps fee accrual exact; the smallest fee rates in the
// capability table have six decimal places.
type Amount int64

const microsPerCredit = 1_000_000

// ParseAmount parses a decimal string such as "10", "2.6" or "0.000026".
// More than six fractional digits is an error rather than a silent truncation.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("amount %q has more than 6 decimal places", s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q", s)
	}

	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed amount %q", s)
		}
	}

	v := w*microsPerCredit + f
	if neg {
		v = -v
	}
	return Amount(v), nil
}

// MulUnits returns the fee for a number of billing units at this per-unit rate.
func (a Amount) MulUnits(units uint64) Amount {
	return a * Amount(units)
}

// Micros returns the raw micro-credit value.
func (a Amount) Micros() int64 { return int64(a) }

func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / microsPerCredit
	frac := v % microsPerCredit
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, s)
}

// UnmarshalYAML lets fee rates appear as decimal strings or numbers in the
// capability inventory.
func (a *Amount) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var f float64
		if err2 := unmarshal(&f); err2 != nil {
			return err
		}
		s = strconv.FormatFloat(f, 'f', -1, 64)
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
