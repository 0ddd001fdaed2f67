package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrAmountPrecision   = errors.New("amount has more fractional digits than the currency allows")
	ErrAmountOverflow    = errors.New("amount is too large")
)

// maxMinorUnits keeps balances well inside int64 after any sum of two amounts.
const maxMinorUnits = int64(1) << 53

type Currency struct {
	Code          string `json:"code" db:"code"`                       // ISO 4217
	Name          string `json:"name" db:"name"`                       // full name
	MinorUnitName string `json:"minor_unit_name" db:"minor_unit_name"` // "baisa", "cent"
	Exponent      int32  `json:"exponent" db:"exponent"`               // digits after the decimal point
}

// OMR is the ledger currency. Every balance is stored in baisa.
var OMR = Currency{
	Code:          "OMR",
	Name:          "Omani Rial",
	MinorUnitName: "baisa",
	Exponent:      3,
}

// ToMinorUnits converts a positive decimal amount to minor units.
func (c Currency) ToMinorUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, ErrNonPositiveAmount
	}
	if !amount.Equal(amount.Truncate(c.Exponent)) {
		return 0, fmt.Errorf("%w: %s (max %d)", ErrAmountPrecision, amount.String(), c.Exponent)
	}
	minor := amount.Shift(c.Exponent)
	if minor.GreaterThanOrEqual(decimal.NewFromInt(maxMinorUnits)) {
		return 0, ErrAmountOverflow
	}
	return minor.IntPart(), nil
}

func (c Currency) FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -c.Exponent)
}

// Format renders minor units with the full currency precision, e.g. "15.000".
func (c Currency) Format(minor int64) string {
	return c.FromMinorUnits(minor).StringFixed(c.Exponent)
}
