package models

import (
	"fmt"
	"strings"
)

// PlaceholderSecurityID is the sample identifier shipped in example configs.
// Instruments carrying it are treated as unresolved.
const PlaceholderSecurityID int64 = 12345

// Instrument is a tracked symbol together with the exchange coordinates used
// to subscribe to it on the feed.
type Instrument struct {
	Symbol          string `yaml:"symbol" json:"symbol"`
	ExchangeSegment string `yaml:"exchange_segment" json:"exchange_segment"`
	SecurityID      *int64 `yaml:"security_id" json:"security_id,omitempty"`
}

// HasSecurityID reports whether the instrument can be sent in a subscription.
func (i Instrument) HasSecurityID() bool {
	return i.SecurityID != nil
}

// NeedsLookup reports whether the identifier is missing or still the placeholder.
func (i Instrument) NeedsLookup() bool {
	return i.SecurityID == nil || *i.SecurityID == PlaceholderSecurityID
}

// ID returns the security id or zero when it is not set.
func (i Instrument) ID() int64 {
	if i.SecurityID == nil {
		return 0
	}
	return *i.SecurityID
}

func SecurityID(id int64) *int64 {
	return &id
}

// InstrumentSet is the immutable, ordered set of instruments resolved at
// startup. The zero value is an empty set.
type InstrumentSet struct {
	items    []Instrument
	bySymbol map[string]int
	byID     map[int64]int
}

// NewInstrumentSet validates uniqueness of symbols and freezes the list.
func NewInstrumentSet(items []Instrument) (*InstrumentSet, error) {
	set := &InstrumentSet{
		items:    make([]Instrument, 0, len(items)),
		bySymbol: make(map[string]int, len(items)),
		byID:     make(map[int64]int, len(items)),
	}
	for _, inst := range items {
		inst.Symbol = strings.TrimSpace(inst.Symbol)
		if inst.Symbol == "" {
			return nil, fmt.Errorf("instrument symbol is required")
		}
		if _, dup := set.bySymbol[inst.Symbol]; dup {
			return nil, fmt.Errorf("duplicate instrument symbol %q", inst.Symbol)
		}
		if inst.SecurityID != nil {
			id := *inst.SecurityID
			inst.SecurityID = &id
			set.byID[id] = len(set.items)
		}
		set.bySymbol[inst.Symbol] = len(set.items)
		set.items = append(set.items, inst)
	}
	return set, nil
}

func (s *InstrumentSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// All returns a copy of the instruments in configuration order.
func (s *InstrumentSet) All() []Instrument {
	if s == nil {
		return nil
	}
	out := make([]Instrument, len(s.items))
	copy(out, s.items)
	return out
}

func (s *InstrumentSet) Symbols() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.items))
	for i, inst := range s.items {
		out[i] = inst.Symbol
	}
	return out
}

func (s *InstrumentSet) Lookup(symbol string) (Instrument, bool) {
	if s == nil {
		return Instrument{}, false
	}
	idx, ok := s.bySymbol[symbol]
	if !ok {
		return Instrument{}, false
	}
	return s.items[idx], true
}

func (s *InstrumentSet) BySecurityID(id int64) (Instrument, bool) {
	if s == nil {
		return Instrument{}, false
	}
	idx, ok := s.byID[id]
	if !ok {
		return Instrument{}, false
	}
	return s.items[idx], true
}

// Subscribable splits the set into instruments with an identifier and the
// symbols that have to be left out of the subscription.
func (s *InstrumentSet) Subscribable() (valid []Instrument, skipped []string) {
	if s == nil {
		return nil, nil
	}
	for _, inst := range s.items {
		if inst.HasSecurityID() {
			valid = append(valid, inst)
		} else {
			skipped = append(skipped, inst.Symbol)
		}
	}
	return valid, skipped
}
