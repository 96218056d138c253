package procurement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/odyssey-erp/odyssey-procure/internal/money"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// RecalculateTotals recomputes line prices, line taxes and order totals of a
// purchase order from its persisted lines.
func (s *Service) RecalculateTotals(ctx context.Context, poID int64, actor *shared.Actor) (PurchaseOrder, error) {
	var out PurchaseOrder
	err := s.mutate(ctx, func(ctx context.Context, tx TxRepository, batch *auditBatch) error {
		po, err := tx.LockPurchaseOrder(ctx, poID)
		if err != nil {
			return err
		}
		if err := guardBuyer(actor, po.CompanyID); err != nil {
			return err
		}
		out, err = s.recalculate(ctx, tx, po, money.NewExponentCache(s.currencies), nil, batch, actor)
		return err
	})
	return out, err
}

func lineKey(id int64) string {
	return "lines." + strconv.FormatInt(id, 10)
}

func unitPriceMinor(line Line, exponent int32) int64 {
	if line.UnitPriceMinor != nil {
		return *line.UnitPriceMinor
	}
	return money.ToMinor(line.UnitPrice, exponent)
}

// recalculate runs the calculator over every line of po and persists what
// changed. taxOverrides replaces the tax codes of individual lines.
func (s *Service) recalculate(ctx context.Context, tx TxRepository, po PurchaseOrder, cache *money.ExponentCache, taxOverrides map[int64][]int64, batch *auditBatch, actor *shared.Actor) (PurchaseOrder, error) {
	if po.CompanyID == 0 {
		return po, newValidation(nil, "company_id", "purchase order company could not be resolved")
	}
	currency := money.NormalizeCurrency(po.Currency)
	exponent, err := cache.Exponent(ctx, currency)
	if err != nil {
		if errors.Is(err, money.ErrUnknownCurrency) {
			return po, newValidation(err, "currency", fmt.Sprintf("unknown currency %s", po.Currency))
		}
		return po, err
	}
	lines, err := tx.ListLines(ctx, po.ID)
	if err != nil {
		return po, err
	}

	var problems fieldErrors
	inputs := make([]money.LineInput, 0, len(lines))
	codeSet := make(map[int64]struct{})
	for _, line := range lines {
		key := lineKey(line.ID)
		if money.NormalizeCurrency(line.Currency) != currency {
			problems.add(ErrCurrencyMismatch, key+".currency", fmt.Sprintf("line currency %s does not match purchase order currency %s", line.Currency, currency))
			continue
		}
		if !line.Quantity.IsPositive() {
			problems.add(nil, key+".quantity", "quantity must be greater than zero")
			continue
		}
		price := unitPriceMinor(line, exponent)
		if price < 0 {
			problems.add(nil, key+".unit_price", "unit price must not be negative")
			continue
		}
		codes := line.TaxCodeIDs()
		if override, ok := taxOverrides[line.ID]; ok {
			codes = override
		}
		for _, id := range codes {
			codeSet[id] = struct{}{}
		}
		inputs = append(inputs, money.LineInput{
			Key:            strconv.FormatInt(line.ID, 10),
			Quantity:       line.Quantity,
			UnitPriceMinor: price,
			TaxCodeIDs:     codes,
		})
	}
	if err := problems.err(); err != nil {
		return po, err
	}

	codeIDs := make([]int64, 0, len(codeSet))
	for id := range codeSet {
		codeIDs = append(codeIDs, id)
	}
	sort.Slice(codeIDs, func(i, j int) bool { return codeIDs[i] < codeIDs[j] })
	taxCodes, err := tx.LoadTaxCodes(ctx, po.CompanyID, codeIDs)
	if err != nil {
		return po, err
	}
	for _, in := range inputs {
		for _, id := range in.TaxCodeIDs {
			code, ok := taxCodes[id]
			if !ok || code.CompanyID != po.CompanyID {
				problems.add(money.ErrUnknownTaxCode, "lines."+in.Key+".tax_code_ids", fmt.Sprintf("unknown tax code %d", id))
			}
		}
	}
	if err := problems.err(); err != nil {
		return po, err
	}

	result, err := money.Calculate(money.Input{
		CompanyID: po.CompanyID,
		Currency:  currency,
		Lines:     inputs,
		TaxCodes:  taxCodes,
	})
	if err != nil {
		return po, fmt.Errorf("procurement: calculate totals: %w", err)
	}

	changed := false
	for i, line := range lines {
		computed := result.Lines[i]
		unit := money.ToDecimal(computed.UnitPriceMinor, exponent)
		if line.UnitPriceMinor == nil || *line.UnitPriceMinor != computed.UnitPriceMinor || !line.UnitPrice.Equal(unit) {
			line.UnitPrice = unit
			line.UnitPriceMinor = int64Ptr(computed.UnitPriceMinor)
			if err := tx.UpdateLine(ctx, line); err != nil {
				return po, err
			}
			changed = true
		}
		desired := make([]LineTax, 0, len(computed.Taxes))
		for _, tax := range computed.Taxes {
			desired = append(desired, LineTax{
				TaxCodeID:   tax.TaxCodeID,
				RatePercent: tax.RatePercent,
				Amount:      money.ToDecimal(tax.AmountMinor, exponent),
				AmountMinor: tax.AmountMinor,
				Sequence:    tax.Sequence,
			})
		}
		_, wrote, err := syncLineTaxes(ctx, tx, line, desired)
		if err != nil {
			return po, err
		}
		changed = changed || wrote
	}

	before := poSnapshot(po)
	totals := result.Totals
	if po.SubtotalMinor != totals.SubtotalMinor || po.TaxTotalMinor != totals.TaxTotalMinor || po.TotalMinor != totals.GrandTotalMinor ||
		!po.Subtotal.Equal(money.ToDecimal(totals.SubtotalMinor, exponent)) ||
		!po.TaxTotal.Equal(money.ToDecimal(totals.TaxTotalMinor, exponent)) ||
		!po.Total.Equal(money.ToDecimal(totals.GrandTotalMinor, exponent)) {
		po.SubtotalMinor = totals.SubtotalMinor
		po.TaxTotalMinor = totals.TaxTotalMinor
		po.TotalMinor = totals.GrandTotalMinor
		po.Subtotal = money.ToDecimal(totals.SubtotalMinor, exponent)
		po.TaxTotal = money.ToDecimal(totals.TaxTotalMinor, exponent)
		po.Total = money.ToDecimal(totals.GrandTotalMinor, exponent)
		if err := tx.UpdatePurchaseOrderTotals(ctx, po); err != nil {
			return po, err
		}
		changed = true
	}
	if !changed {
		return po, nil
	}

	if _, err := s.recordEvent(ctx, tx, po, eventInput{
		Type:    EventTotalsRecalculated,
		Summary: fmt.Sprintf("Totals recalculated: %s %s", po.Total.StringFixed(exponent), currency),
		Meta: map[string]any{
			"currency":        currency,
			"subtotal_minor":  po.SubtotalMinor,
			"tax_total_minor": po.TaxTotalMinor,
			"total_minor":     po.TotalMinor,
		},
		Actor: actor,
	}); err != nil {
		return po, err
	}
	batch.updated(actor, "purchase_order", po.ID, before, poSnapshot(po))
	return po, nil
}
