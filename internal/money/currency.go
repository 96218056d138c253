package money

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/currency"
)

// ErrUnknownCurrency indicates a currency code without a known minor-unit exponent.
var ErrUnknownCurrency = errors.New("money: unknown currency")

// MinorUnitSource resolves the minor-unit exponent of an ISO 4217 currency.
type MinorUnitSource interface {
	MinorUnits(ctx context.Context, code string) (int32, error)
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// StandardMinorUnits reads exponents from the ISO 4217 tables shipped with x/text.
type StandardMinorUnits struct{}

// MinorUnits implements MinorUnitSource.
func (StandardMinorUnits) MinorUnits(_ context.Context, code string) (int32, error) {
	unit, err := currency.ParseISO(NormalizeCurrency(code))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// CurrencyTable reads exponents from the currencies table and falls back to
// the ISO tables for codes that were never configured.
type CurrencyTable struct {
	pool     *pgxpool.Pool
	fallback MinorUnitSource
}

// NewCurrencyTable constructs a CurrencyTable.
func NewCurrencyTable(pool *pgxpool.Pool) *CurrencyTable {
	return &CurrencyTable{pool: pool, fallback: StandardMinorUnits{}}
}

// MinorUnits implements MinorUnitSource.
func (t *CurrencyTable) MinorUnits(ctx context.Context, code string) (int32, error) {
	code = NormalizeCurrency(code)
	if t == nil || t.pool == nil {
		return StandardMinorUnits{}.MinorUnits(ctx, code)
	}
	var exponent int32
	err := t.pool.QueryRow(ctx, `SELECT minor_unit FROM currencies WHERE code = $1`, code).Scan(&exponent)
	if errors.Is(err, pgx.ErrNoRows) {
		return t.fallback.MinorUnits(ctx, code)
	}
	if err != nil {
		return 0, fmt.Errorf("money: load currency %s: %w", code, err)
	}
	return exponent, nil
}

// RedisMinorUnits caches exponents in Redis in front of another source.
// Concurrent misses for the same code share one load.
type RedisMinorUnits struct {
	client *redis.Client
	source MinorUnitSource
	ttl    time.Duration
	group  singleflight.Group
}

// NewRedisMinorUnits wraps source with a Redis cache.
func NewRedisMinorUnits(client *redis.Client, source MinorUnitSource, ttl time.Duration) *RedisMinorUnits {
	if source == nil {
		source = StandardMinorUnits{}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisMinorUnits{client: client, source: source, ttl: ttl}
}

func minorUnitKey(code string) string {
	return "money:minor_units:" + code
}

// MinorUnits implements MinorUnitSource.
func (r *RedisMinorUnits) MinorUnits(ctx context.Context, code string) (int32, error) {
	code = NormalizeCurrency(code)
	key := minorUnitKey(code)
	if r.client != nil {
		cached, err := r.client.Get(ctx, key).Int()
		if err == nil {
			return int32(cached), nil
		}
		if !errors.Is(err, redis.Nil) {
			return 0, err
		}
	}
	resultChan := r.group.DoChan(key, func() (interface{}, error) {
		exponent, err := r.source.MinorUnits(ctx, code)
		if err != nil {
			return int32(0), err
		}
		if r.client != nil {
			if err := r.client.Set(ctx, key, exponent, r.ttl).Err(); err != nil {
				return int32(0), err
			}
		}
		return exponent, nil
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int32), nil
	}
}

// ExponentCache memoizes exponents for the lifetime of one operation.
// It is not safe for concurrent use.
type ExponentCache struct {
	source  MinorUnitSource
	entries map[string]int32
}

// NewExponentCache returns an empty cache reading through source.
func NewExponentCache(source MinorUnitSource) *ExponentCache {
	if source == nil {
		source = StandardMinorUnits{}
	}
	return &ExponentCache{source: source, entries: make(map[string]int32)}
}

// Exponent returns the exponent for code, loading it at most once.
func (c *ExponentCache) Exponent(ctx context.Context, code string) (int32, error) {
	code = NormalizeCurrency(code)
	if exponent, ok := c.entries[code]; ok {
		return exponent, nil
	}
	exponent, err := c.source.MinorUnits(ctx, code)
	if err != nil {
		return 0, err
	}
	c.entries[code] = exponent
	return exponent, nil
}
