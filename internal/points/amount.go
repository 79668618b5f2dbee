package points

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a point quantity held as integer hundredths.
type Amount int64

const Scale = 100

// Category selects which default and override table applies.
type Category string

const (
	CategoryOrganizer Category = "organizer"
	CategoryRaider    Category = "raider"
	CategoryKeyPop    Category = "key_pop"
)

// Category defaults when no override is configured.
const (
	DefaultOrganizer Amount = 1 * Scale
	DefaultRaider    Amount = 1 * Scale
	DefaultKeyPop    Amount = 5 * Scale
)

var (
	ErrNegative  = errors.New("point amount must not be negative")
	ErrPrecision = errors.New("point amount allows at most 2 decimal places")
	ErrInvalid   = errors.New("invalid point amount")
)

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.TrimSpace(s)); c {
	case CategoryOrganizer, CategoryRaider, CategoryKeyPop:
		return c, nil
	default:
		return "", fmt.Errorf("unknown point category %q", s)
	}
}

// Default returns the constant default for the category.
func (c Category) Default() Amount {
	switch c {
	case CategoryOrganizer:
		return DefaultOrganizer
	case CategoryKeyPop:
		return DefaultKeyPop
	default:
		return DefaultRaider
	}
}

// ParseAmount parses a non-negative decimal with at most two fraction digits.
func ParseAmount(s string) (Amount, error) {
	a, err := ParseDelta(s)
	if err != nil {
		return 0, err
	}
	if a < 0 {
		return 0, ErrNegative
	}
	return a, nil
}

// ParseDelta parses a signed decimal with at most two fraction digits.
func ParseDelta(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, ErrInvalid
	}
	if len(frac) > 2 {
		return 0, ErrPrecision
	}
	if hasFrac && frac == "" {
		return 0, ErrInvalid
	}
	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return 0, ErrInvalid
			}
		}
	}
	var w int64
	if whole != "" {
		var err error
		w, err = strconv.ParseInt(whole, 10, 64)
		if err != nil || w > math.MaxInt64/Scale-1 {
			return 0, ErrInvalid
		}
	}
	for len(frac) < 2 {
		frac += "0"
	}
	f, _ := strconv.ParseInt(frac, 10, 64)
	v := w*Scale + f
	if neg {
		v = -v
	}
	return Amount(v), nil
}

// NewAmount converts a float, rejecting negatives and sub-cent precision.
func NewAmount(f float64) (Amount, error) {
	a, err := NewDelta(f)
	if err != nil {
		return 0, err
	}
	if a < 0 {
		return 0, ErrNegative
	}
	return a, nil
}

// NewDelta converts a signed float with at most two decimal places.
func NewDelta(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalid
	}
	scaled := f * Scale
	rounded := math.Round(scaled)
	if math.Abs(scaled-rounded) > 1e-6 {
		return 0, ErrPrecision
	}
	if math.Abs(rounded) > math.MaxInt64/2 {
		return 0, ErrInvalid
	}
	return Amount(rounded), nil
}

// Whole returns n whole points.
func Whole(n int64) Amount { return Amount(n * Scale) }

// Times multiplies the amount by a signed count.
func (a Amount) Times(n int64) Amount { return a * Amount(n) }

func (a Amount) Float64() float64 { return float64(a) / Scale }

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	if v%Scale == 0 {
		return fmt.Sprintf("%s%d", sign, v/Scale)
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/Scale, v%Scale)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("point amount: %w", err)
	}
	v, err := ParseDelta(n.String())
	if err != nil {
		return err
	}
	*a = v
	return nil
}
