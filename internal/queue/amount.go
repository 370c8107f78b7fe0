package queue

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned by Enqueue when the amount is not a
// non-negative integer string.
var ErrInvalidAmount = errors.New("amount must be a non-negative integer string")

// parseAmount validates that the string is a non-negative integer in
// the smallest on-chain unit. Arithmetic downstream is arbitrary
// precision, so amounts of hundreds of digits are fine.
func parseAmount(amount string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	if value.Sign() < 0 || !value.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	return value, nil
}

// sumAmounts returns the exact sum of two already validated amounts.
func sumAmounts(existing, incoming string) (string, error) {
	a, err := parseAmount(existing)
	if err != nil {
		return "", err
	}

	b, err := parseAmount(incoming)
	if err != nil {
		return "", err
	}

	return a.Add(b).String(), nil
}
