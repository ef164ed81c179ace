package model

import (
	"encoding/json"
	"time"
)

// MACDResult is the MACD triple emitted for one price observation.
type MACDResult struct {
	Name      string    `json:"name"` // e.g. "MACD_12_26_9"
	Symbol    string    `json:"symbol"`
	TS        time.Time `json:"ts"` // timestamp of the price that produced this value
	MACD      float64   `json:"macd"`
	Signal    float64   `json:"signal"`
	Histogram float64   `json:"histogram"`
	Ready     bool      `json:"ready"` // false while the composer is still gated
	Live      bool      `json:"live"`  // true for preview values that did not advance state
}

// StreamKey returns the Redis stream key: "macd:{symbol}".
func (r *MACDResult) StreamKey() string {
	return "macd:" + r.Symbol
}

// LatestKey returns the Redis key holding the most recent confirmed value.
func (r *MACDResult) LatestKey() string {
	return "macd:latest:" + r.Symbol
}

// PubSubChannel returns the Redis Pub/Sub channel: "pub:macd:{symbol}".
func (r *MACDResult) PubSubChannel() string {
	return "pub:macd:" + r.Symbol
}

// JSON returns the JSON-encoded result.
func (r *MACDResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
