package procurement

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	numberAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	poSuffixLen       = 8
	shipmentSuffixLen = 4
	maxNumberAttempts = 10
)

// NumberGenerator produces collision-checked human readable identifiers.
type NumberGenerator struct {
	random   func(n int) (string, error)
	attempts int
}

// NewNumberGenerator returns a generator backed by crypto/rand.
func NewNumberGenerator() *NumberGenerator {
	return &NumberGenerator{random: randomSuffix, attempts: maxNumberAttempts}
}

// Next returns prefix followed by n random characters, retrying while exists reports a collision.
func (g *NumberGenerator) Next(ctx context.Context, prefix string, n int, exists func(context.Context, string) (bool, error)) (string, error) {
	for attempt := 0; attempt < g.attempts; attempt++ {
		suffix, err := g.random(n)
		if err != nil {
			return "", err
		}
		candidate := prefix + suffix
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: prefix %s after %d attempts", ErrNumberExhausted, prefix, g.attempts)
}

// PurchaseOrderNumber allocates a PO-XXXXXXXX number.
func (g *NumberGenerator) PurchaseOrderNumber(ctx context.Context, tx TxRepository) (string, error) {
	return g.Next(ctx, "PO-", poSuffixLen, tx.PurchaseOrderNumberExists)
}

// ShipmentNumber allocates a <po number>-SHP-XXXX number.
func (g *NumberGenerator) ShipmentNumber(ctx context.Context, tx TxRepository, poNumber string) (string, error) {
	return g.Next(ctx, poNumber+"-SHP-", shipmentSuffixLen, tx.ShipmentNumberExists)
}

func randomSuffix(n int) (string, error) {
	max := big.NewInt(int64(len(numberAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = numberAlphabet[idx.Int64()]
	}
	return string(out), nil
}
