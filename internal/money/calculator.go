package money

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownTaxCode is returned when a line references a tax code that was not supplied.
	ErrUnknownTaxCode = errors.New("money: unknown tax code")
	// ErrInvalidQuantity is returned for non-positive line quantities.
	ErrInvalidQuantity = errors.New("money: quantity must be greater than zero")
	// ErrNegativePrice is returned for negative unit prices.
	ErrNegativePrice = errors.New("money: unit price must not be negative")
)

var hundred = decimal.NewFromInt(100)

// TaxCode is a rate definition resolved for one company.
type TaxCode struct {
	ID          int64
	CompanyID   int64
	Code        string
	RatePercent decimal.Decimal
	// Compound codes are applied on top of the subtotal plus every tax with a lower sequence.
	Compound bool
	Sequence int
}

// LineInput is one priced line handed to Calculate.
type LineInput struct {
	Key            string
	Quantity       decimal.Decimal
	UnitPriceMinor int64
	TaxCodeIDs     []int64
}

// TaxAmount is one resolved tax on a line.
type TaxAmount struct {
	TaxCodeID   int64
	RatePercent decimal.Decimal
	AmountMinor int64
	Sequence    int
}

// LineResult carries the computed amounts for one line.
type LineResult struct {
	Key            string
	UnitPriceMinor int64
	SubtotalMinor  int64
	TaxMinor       int64
	TotalMinor     int64
	Taxes          []TaxAmount
}

// Totals are the order-level aggregates in minor units.
type Totals struct {
	SubtotalMinor   int64
	TaxTotalMinor   int64
	GrandTotalMinor int64
}

// Input bundles everything the calculator needs.
type Input struct {
	CompanyID int64
	Currency  string
	Lines     []LineInput
	TaxCodes  map[int64]TaxCode
}

// Result is returned by Calculate. Lines keep the order of Input.Lines.
type Result struct {
	Currency string
	Lines    []LineResult
	Totals   Totals
}

// Calculate computes line and order totals. It has no side effects.
func Calculate(in Input) (Result, error) {
	result := Result{Currency: in.Currency, Lines: make([]LineResult, 0, len(in.Lines))}
	for _, line := range in.Lines {
		computed, err := calculateLine(in, line)
		if err != nil {
			return Result{}, err
		}
		result.Totals.SubtotalMinor += computed.SubtotalMinor
		result.Totals.TaxTotalMinor += computed.TaxMinor
		result.Lines = append(result.Lines, computed)
	}
	result.Totals.GrandTotalMinor = result.Totals.SubtotalMinor + result.Totals.TaxTotalMinor
	return result, nil
}

func calculateLine(in Input, line LineInput) (LineResult, error) {
	if !line.Quantity.IsPositive() {
		return LineResult{}, fmt.Errorf("%w: line %s", ErrInvalidQuantity, line.Key)
	}
	if line.UnitPriceMinor < 0 {
		return LineResult{}, fmt.Errorf("%w: line %s", ErrNegativePrice, line.Key)
	}
	codes, err := resolveCodes(in, line)
	if err != nil {
		return LineResult{}, err
	}

	subtotal := MulRound(line.UnitPriceMinor, line.Quantity)
	out := LineResult{
		Key:            line.Key,
		UnitPriceMinor: line.UnitPriceMinor,
		SubtotalMinor:  subtotal,
		Taxes:          make([]TaxAmount, 0, len(codes)),
	}
	for _, code := range codes {
		base := subtotal
		if code.Compound {
			base += out.TaxMinor
		}
		amount := MulRound(base, code.RatePercent.Div(hundred))
		out.TaxMinor += amount
		out.Taxes = append(out.Taxes, TaxAmount{
			TaxCodeID:   code.ID,
			RatePercent: code.RatePercent,
			AmountMinor: amount,
			Sequence:    code.Sequence,
		})
	}
	out.TotalMinor = out.SubtotalMinor + out.TaxMinor
	return out, nil
}

func resolveCodes(in Input, line LineInput) ([]TaxCode, error) {
	seen := make(map[int64]struct{}, len(line.TaxCodeIDs))
	codes := make([]TaxCode, 0, len(line.TaxCodeIDs))
	for _, id := range line.TaxCodeIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		code, ok := in.TaxCodes[id]
		if !ok || (code.CompanyID != 0 && code.CompanyID != in.CompanyID) {
			return nil, fmt.Errorf("%w: %d on line %s", ErrUnknownTaxCode, id, line.Key)
		}
		codes = append(codes, code)
	}
	sort.SliceStable(codes, func(i, j int) bool {
		if codes[i].Sequence != codes[j].Sequence {
			return codes[i].Sequence < codes[j].Sequence
		}
		return codes[i].ID < codes[j].ID
	})
	return codes, nil
}
