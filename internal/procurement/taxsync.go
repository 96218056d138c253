package procurement

import (
	"context"
	"sort"
)

// TaxSyncPlan lists the writes needed to make a line's persisted taxes match the calculated set.
type TaxSyncPlan struct {
	Insert []LineTax
	Update []LineTax
	Delete []LineTax
}

// Empty reports whether the plan performs no writes.
func (p TaxSyncPlan) Empty() bool {
	return len(p.Insert) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// PlanTaxSync compares persisted and desired taxes by tax code. Rows whose
// rate, amount and sequence already match are left alone.
func PlanTaxSync(existing, desired []LineTax) TaxSyncPlan {
	current := make(map[int64]LineTax, len(existing))
	for _, tax := range existing {
		current[tax.TaxCodeID] = tax
	}
	var plan TaxSyncPlan
	wanted := make(map[int64]struct{}, len(desired))
	for _, want := range desired {
		wanted[want.TaxCodeID] = struct{}{}
		have, ok := current[want.TaxCodeID]
		if !ok {
			plan.Insert = append(plan.Insert, want)
			continue
		}
		if have.AmountMinor == want.AmountMinor && have.Sequence == want.Sequence && have.RatePercent.Equal(want.RatePercent) && have.Amount.Equal(want.Amount) {
			continue
		}
		want.ID = have.ID
		want.LineID = have.LineID
		plan.Update = append(plan.Update, want)
	}
	for _, tax := range existing {
		if _, ok := wanted[tax.TaxCodeID]; !ok {
			plan.Delete = append(plan.Delete, tax)
		}
	}
	sort.Slice(plan.Delete, func(i, j int) bool { return plan.Delete[i].ID < plan.Delete[j].ID })
	return plan
}

// syncLineTaxes reconciles the persisted taxes of line with desired and
// returns the resulting set and whether anything was written.
func syncLineTaxes(ctx context.Context, tx TxRepository, line Line, desired []LineTax) ([]LineTax, bool, error) {
	plan := PlanTaxSync(line.Taxes, desired)
	if plan.Empty() {
		return line.Taxes, false, nil
	}
	for _, tax := range plan.Delete {
		if err := tx.DeleteLineTax(ctx, tax.ID); err != nil {
			return nil, false, err
		}
	}
	for _, tax := range plan.Update {
		if err := tx.UpdateLineTax(ctx, tax); err != nil {
			return nil, false, err
		}
	}
	ids := make(map[int64]int64, len(line.Taxes)+len(plan.Insert))
	for _, tax := range line.Taxes {
		ids[tax.TaxCodeID] = tax.ID
	}
	for _, tax := range plan.Insert {
		tax.LineID = line.ID
		id, err := tx.InsertLineTax(ctx, tax)
		if err != nil {
			return nil, false, err
		}
		ids[tax.TaxCodeID] = id
	}
	result := make([]LineTax, 0, len(desired))
	for _, tax := range desired {
		tax.LineID = line.ID
		tax.ID = ids[tax.TaxCodeID]
		result = append(result, tax)
	}
	return result, true, nil
}
