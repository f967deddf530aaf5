package models

import "time"

// CacheEntry is the last decoded open-interest value for a symbol.
type CacheEntry struct {
	Value      uint32    `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// WindowAnchor is the baseline a window's change is computed against.
type WindowAnchor struct {
	Window time.Duration `json:"window"`
	Value  uint32        `json:"value"`
	At     time.Time     `json:"at"`
}

// OIUpdate is one decoded value destined for a tracked symbol.
type OIUpdate struct {
	Symbol string
	Value  uint32
}
