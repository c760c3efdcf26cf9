package settlement

import "github.com/shopspring/decimal"

// minorUnits maps fiat currencies to their minimum-unit exponent. Anything
// not listed is treated as a crypto asset with 8 decimal places.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CHF": 2,
	"AUD": 2,
	"CAD": 2,
	"JPY": 0,
	"KRW": 0,
}

const cryptoUnits int32 = 8

// unitsFor returns the minimum-unit exponent for a currency.
func unitsFor(currency string) int32 {
	if u, ok := minorUnits[currency]; ok {
		return u
	}
	return cryptoUnits
}

// roundFee rounds a fee half-up to the currency's minimum unit.
func roundFee(currency string, fee decimal.Decimal) decimal.Decimal {
	return fee.Round(unitsFor(currency))
}

// truncateAmount truncates a credited amount down to the currency's minimum
// unit so a settlement never credits more than the net converted value.
func truncateAmount(currency string, amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(unitsFor(currency))
}
