package finance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrCurrencyMismatch is returned when two amounts in different currencies are combined.
	ErrCurrencyMismatch = errors.New("finance: currency mismatch")
	// ErrInvalidAmount is returned when a decimal amount cannot be represented exactly.
	ErrInvalidAmount = errors.New("finance: invalid amount")
	// ErrOverflow is returned when an operation exceeds the int64 minor-unit range.
	ErrOverflow = errors.New("finance: amount overflow")
)

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code or token symbol
	Scale       int    `json:"scale"`    // e.g. 2 for USD/EUR, 8 for BTC
}

// ScaleFor returns the number of minor-unit digits used for a currency.
func ScaleFor(currency string) int {
	switch strings.ToUpper(currency) {
	case "BTC", "ETH":
		return 8
	case "USDC", "USDT":
		return 6
	case "JPY", "KRW":
		return 0
	default:
		return 2
	}
}

// NewMoney creates a new Money instance from minor units. The currency code is upper-cased.
func NewMoney(amount int64, currency string) Money {
	currency = strings.ToUpper(currency)
	return Money{
		AmountMinor: amount,
		Currency:    currency,
		Scale:       ScaleFor(currency),
	}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return NewMoney(0, currency)
}

// ParseMoney parses a decimal string such as "2.80" into an exact Money value.
// More fractional digits than the currency scale is an error, never a rounding.
func ParseMoney(s, currency string) (Money, error) {
	currency = strings.ToUpper(currency)
	scale := ScaleFor(currency)
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	neg := false
	switch raw[0] {
	case '-':
		neg = true
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}

	intPart, fracPart, hasDot := strings.Cut(raw, ".")
	if intPart == "" && (!hasDot || fracPart == "") {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(fracPart) > scale {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimal places for %s", ErrInvalidAmount, s, scale, currency)
	}

	digits := intPart + fracPart + strings.Repeat("0", scale-len(fracPart))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	minor, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	if neg {
		minor = -minor
	}
	return Money{AmountMinor: minor, Currency: currency, Scale: scale}, nil
}

// MustParseMoney is ParseMoney for literals known to be valid. It panics otherwise.
func MustParseMoney(s, currency string) Money {
	m, err := ParseMoney(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if err := m.compatible(other); err != nil {
		return Money{}, err
	}
	a, b := m.AmountMinor, other.AmountMinor
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return Money{}, ErrOverflow
	}
	return Money{
		AmountMinor: a + b,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// Sub subtracts other Money from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.compatible(other); err != nil {
		return Money{}, err
	}
	a, b := m.AmountMinor, other.AmountMinor
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return Money{}, ErrOverflow
	}
	return Money{
		AmountMinor: a - b,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// Cmp compares m and other: -1 if m < other, 0 if equal, +1 if m > other.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.compatible(other); err != nil {
		return 0, err
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	default:
		return 0, nil
	}
}

func (m Money) compatible(other Money) error {
	if !strings.EqualFold(m.Currency, other.Currency) {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return fmt.Errorf("%w: scale %d vs %d", ErrCurrencyMismatch, m.Scale, other.Scale)
	}
	return nil
}

// Sum adds amounts starting from zero in the given currency.
func Sum(currency string, amounts ...Money) (Money, error) {
	total := Zero(currency)
	for _, a := range amounts {
		var err error
		total, err = total.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

// Decimal renders the amount as an exact decimal string, e.g. "2.80".
func (m Money) Decimal() string {
	neg := m.AmountMinor < 0
	abs := uint64(m.AmountMinor)
	if neg {
		abs = uint64(-(m.AmountMinor + 1)) + 1
	}
	digits := strconv.FormatUint(abs, 10)
	if m.Scale > 0 {
		if len(digits) <= m.Scale {
			digits = strings.Repeat("0", m.Scale-len(digits)+1) + digits
		}
		cut := len(digits) - m.Scale
		digits = digits[:cut] + "." + digits[cut:]
	}
	if neg {
		return "-" + digits
	}
	return digits
}

// String implements fmt.Stringer, e.g. "2.80 USD".
func (m Money) String() string {
	return m.Decimal() + " " + m.Currency
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is < 0.
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}
