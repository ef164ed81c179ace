package model

import "time"

// Price is one observation on a symbol's price stream.
type Price struct {
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"`
	Value  float64   `json:"value"`

	// Set when the price was read from a Redis stream.
	Stream string `json:"-"`
	ID     string `json:"-"`
}

// StreamKey returns the Redis stream key: "price:{symbol}".
func (p *Price) StreamKey() string {
	return PriceStreamPrefix + p.Symbol
}

// PriceStreamPrefix prefixes every per-symbol price stream in Redis.
const PriceStreamPrefix = "price:"
