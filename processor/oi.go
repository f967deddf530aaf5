package processor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	appconfig "dhanoi/config"
	"dhanoi/models"
)

const (
	// DefaultOIOffset is the first byte of the big-endian open-interest field.
	DefaultOIOffset = 35
	// DefaultMinFrameLength is the shortest frame that still holds the field.
	DefaultMinFrameLength = DefaultOIOffset + 4

	RoutingBroadcast  = "broadcast"
	RoutingSecurityID = "security_id"
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrUnknownSecurity = errors.New("unknown security id")
)

// FrameLayout describes where the open-interest value sits inside a frame.
type FrameLayout struct {
	OIOffset  int
	MinLength int
}

func DefaultFrameLayout() FrameLayout {
	return FrameLayout{OIOffset: DefaultOIOffset, MinLength: DefaultMinFrameLength}
}

func (l FrameLayout) Validate() error {
	if l.OIOffset < 0 {
		return fmt.Errorf("oi offset must not be negative, got %d", l.OIOffset)
	}
	if l.MinLength < l.OIOffset+4 {
		return fmt.Errorf("min length %d cannot hold a 4 byte value at offset %d", l.MinLength, l.OIOffset)
	}
	return nil
}

// Decode extracts the open-interest value from frame.
func (l FrameLayout) Decode(frame []byte) (uint32, error) {
	if len(frame) < l.MinLength {
		return 0, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMalformedFrame, len(frame), l.MinLength)
	}
	return binary.BigEndian.Uint32(frame[l.OIOffset : l.OIOffset+4]), nil
}

// DecodeOI decodes frame with the default layout: bytes [35:39) big-endian.
func DecodeOI(frame []byte) (uint32, error) {
	return DefaultFrameLayout().Decode(frame)
}

// Router turns an inbound frame into per-symbol updates. In broadcast mode the
// single decoded value is applied to every tracked symbol; in security_id mode
// an identifier read from the frame selects one instrument.
type Router struct {
	layout      FrameLayout
	mode        string
	idOffset    int
	idOrder     binary.ByteOrder
	instruments *models.InstrumentSet
	symbols     []string
}

// NewRouter builds a router from the frame section of the configuration.
func NewRouter(cfg appconfig.FrameConfig, instruments *models.InstrumentSet) (*Router, error) {
	layout := FrameLayout{OIOffset: cfg.OIOffset, MinLength: cfg.MinLength}
	if layout.MinLength == 0 {
		layout.MinLength = layout.OIOffset + 4
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		layout:      layout,
		mode:        strings.ToLower(strings.TrimSpace(cfg.Routing)),
		idOffset:    cfg.SecurityIDOffset,
		instruments: instruments,
		symbols:     instruments.Symbols(),
	}
	if r.mode == "" {
		r.mode = RoutingBroadcast
	}

	switch r.mode {
	case RoutingBroadcast:
	case RoutingSecurityID:
		if r.idOffset < 0 {
			return nil, fmt.Errorf("security id offset must not be negative, got %d", r.idOffset)
		}
		switch strings.ToLower(cfg.SecurityIDByteOrder) {
		case "", "little":
			r.idOrder = binary.LittleEndian
		case "big":
			r.idOrder = binary.BigEndian
		default:
			return nil, fmt.Errorf("unsupported security id byte order %q", cfg.SecurityIDByteOrder)
		}
	default:
		return nil, fmt.Errorf("unsupported routing mode %q", cfg.Routing)
	}
	return r, nil
}

func (r *Router) Mode() string {
	return r.mode
}

// Route decodes frame and returns the updates it produces.
func (r *Router) Route(frame []byte) ([]models.OIUpdate, error) {
	value, err := r.layout.Decode(frame)
	if err != nil {
		return nil, err
	}

	if r.mode == RoutingSecurityID {
		if len(frame) < r.idOffset+4 {
			return nil, fmt.Errorf("%w: got %d bytes, security id needs %d", ErrMalformedFrame, len(frame), r.idOffset+4)
		}
		id := int64(r.idOrder.Uint32(frame[r.idOffset : r.idOffset+4]))
		inst, ok := r.instruments.BySecurityID(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownSecurity, id)
		}
		return []models.OIUpdate{{Symbol: inst.Symbol, Value: value}}, nil
	}

	updates := make([]models.OIUpdate, 0, len(r.symbols))
	for _, sym := range r.symbols {
		updates = append(updates, models.OIUpdate{Symbol: sym, Value: value})
	}
	return updates, nil
}
