package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"dhanoi/logger"
	"dhanoi/models"
)

var futureInstrumentTypes = map[string]bool{
	"FUTIDX": true,
	"FUTSTK": true,
}

// scripRow is the subset of the broker's scrip master columns we read.
type scripRow struct {
	Exchange       string `csv:"SEM_EXM_EXCH_ID"`
	Segment        string `csv:"SEM_SEGMENT"`
	SecurityID     string `csv:"SEM_SMST_SECURITY_ID"`
	InstrumentName string `csv:"SEM_INSTRUMENT_NAME"`
	TradingSymbol  string `csv:"SEM_TRADING_SYMBOL"`
	ExpiryDate     string `csv:"SEM_EXPIRY_DATE"`
	SymbolName     string `csv:"SM_SYMBOL_NAME"`
}

// ScripContract is a futures contract found in the scrip master.
type ScripContract struct {
	Symbol     string
	SecurityID int64
	Expiry     time.Time
}

// ScripMaster indexes futures contracts by their underlying symbol.
type ScripMaster struct {
	rows []scripRow
}

func LoadScripMaster(path string) (*ScripMaster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scrip master: %w", err)
	}
	defer f.Close()
	return ParseScripMaster(f)
}

func ParseScripMaster(r io.Reader) (*ScripMaster, error) {
	var rows []scripRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse scrip master: %w", err)
	}
	return &ScripMaster{rows: rows}, nil
}

// NearestFuture returns the futures contract for symbol in segment with the
// earliest expiry after now. The segment matches either the exchange column
// verbatim or its exchange prefix, so "NSE_FNO" matches rows of "NSE".
func (m *ScripMaster) NearestFuture(symbol, segment string, now time.Time) (ScripContract, bool) {
	var (
		best  ScripContract
		found bool
	)
	exchange := segment
	if i := strings.Index(segment, "_"); i > 0 {
		exchange = segment[:i]
	}

	for _, row := range m.rows {
		if row.Exchange != segment && row.Exchange != exchange {
			continue
		}
		if !futureInstrumentTypes[strings.TrimSpace(row.InstrumentName)] || row.TradingSymbol == "" {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(row.SymbolName), symbol) {
			continue
		}
		expiry, ok := parseExpiry(row.ExpiryDate)
		if !ok || !expiry.After(now) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row.SecurityID), 10, 64)
		if err != nil {
			continue
		}
		if !found || expiry.Before(best.Expiry) {
			best = ScripContract{Symbol: row.TradingSymbol, SecurityID: id, Expiry: expiry}
			found = true
		}
	}
	return best, found
}

func parseExpiry(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if i := strings.Index(raw, "."); i >= 0 {
		raw = raw[:i]
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, time.Local); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02", strings.Fields(raw)[0], time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ResolveInstruments builds the instrument set from cfg. Unless the list came
// from DHAN_TICKERS, instruments with a missing or placeholder id are looked
// up in the scrip master; when no contract is found the configured id stays.
func ResolveInstruments(cfg *Config, now time.Time) (*models.InstrumentSet, error) {
	log := logger.GetLogger().WithComponent("config")
	items := make([]models.Instrument, len(cfg.Instruments))
	copy(items, cfg.Instruments)

	if !cfg.TickersFromEnv && needsLookup(items) {
		master, err := LoadScripMaster(cfg.ScripMaster.Path)
		if err != nil {
			log.WithError(err).Warn("scrip master unavailable, keeping configured security ids")
		} else {
			for i := range items {
				if !items[i].NeedsLookup() {
					continue
				}
				segment := items[i].ExchangeSegment
				if segment == "" {
					segment = cfg.ScripMaster.Segment
				}
				contract, ok := master.NearestFuture(items[i].Symbol, segment, now)
				if !ok {
					log.WithFields(logger.Fields{
						"symbol":      items[i].Symbol,
						"security_id": items[i].ID(),
					}).Warn("no future contract found in scrip master, keeping configured id")
					continue
				}
				items[i].SecurityID = models.SecurityID(contract.SecurityID)
				log.WithFields(logger.Fields{
					"symbol":         items[i].Symbol,
					"security_id":    contract.SecurityID,
					"trading_symbol": contract.Symbol,
					"expiry":         contract.Expiry.Format("2006-01-02"),
				}).Info("resolved security id from scrip master")
			}
		}
	}

	for i := range items {
		if items[i].ExchangeSegment == "" {
			items[i].ExchangeSegment = cfg.ScripMaster.Segment
		}
	}

	set, err := models.NewInstrumentSet(items)
	if err != nil {
		return nil, fmt.Errorf("invalid instruments: %w", err)
	}
	if set.Len() == 0 {
		log.Warn("instrument list is empty, the feed cannot subscribe")
	}
	return set, nil
}

func needsLookup(items []models.Instrument) bool {
	for _, inst := range items {
		if inst.NeedsLookup() {
			return true
		}
	}
	return false
}
