// Package shared provides common decoding helpers for exchange codecs.
package shared

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/coachpo/exchangelink/errs"
	"github.com/coachpo/exchangelink/internal/domain/schema"
)

// Decimal parses a venue number, returning zero for empty or malformed input.
func Decimal(raw string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PairLevels converts [["price","size"], ...] arrays into price levels.
func PairLevels(pairs [][]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{Price: Decimal(pair[0]), Size: Decimal(pair[1])})
	}
	return out
}

// SortBook orders bids descending and asks ascending by price and drops empty levels.
func SortBook(bids, asks []schema.PriceLevel) ([]schema.PriceLevel, []schema.PriceLevel) {
	bids = dropEmpty(bids)
	asks = dropEmpty(asks)
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	return bids, asks
}

func dropEmpty(levels []schema.PriceLevel) []schema.PriceLevel {
	out := levels[:0]
	for _, lvl := range levels {
		if lvl.Price.IsPositive() && lvl.Size.IsPositive() {
			out = append(out, lvl)
		}
	}
	return out
}

// Millis converts a millisecond epoch into a time, zero when unset.
func Millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Micros converts a microsecond epoch into a time, zero when unset.
func Micros(us int64) time.Time {
	if us <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// Epoch converts a seconds, milliseconds or microseconds epoch by magnitude.
func Epoch(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v < 1e11:
		return time.Unix(v, 0).UTC()
	case v < 1e14:
		return Millis(v)
	default:
		return Micros(v)
	}
}

// Classify validates frame and returns its parsed root for cheap field lookups.
func Classify(exchange string, frame []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(frame) {
		return gjson.Result{}, errs.New(exchange, errs.CodeProtocol,
			errs.WithMessage("malformed frame"),
			errs.WithRawMessage(Truncate(string(frame), 256)))
	}
	return gjson.ParseBytes(frame), nil
}

// DecodeError wraps a payload decoding failure.
func DecodeError(exchange, stream string, err error) error {
	return errs.New(exchange, errs.CodeProtocol,
		errs.WithMessage("decode "+stream),
		errs.WithCause(err))
}

// Truncate caps s at n bytes for log output.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
