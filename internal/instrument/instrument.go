// Package instrument handles instrument ID parsing, validation, and lot-size
// lookup for the underlyings the engine trades.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Supported option types.
const (
	TypeCall = "CE"
	TypePut  = "PE"
)

var validTypes = map[string]bool{
	TypeCall: true,
	TypePut:  true,
}

// optionRegex matches: {UNDERLYING}-{YYYYMMDD}-{strike}-{CE|PE}
// Example: NIFTY-20250828-24500-CE
var optionRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9&]*)-(\d{8})-(\d+(?:\.\d+)?)-([A-Z]+)$`,
)

// equityRegex matches a plain cash-segment symbol such as SBIN.
var equityRegex = regexp.MustCompile(`^[A-Z][A-Z0-9&]*$`)

var (
	ErrInvalidID         = errors.New("instrument: invalid instrument id")
	ErrInvalidOptionType = errors.New("instrument: unsupported option type")
)

// Instrument is a parsed instrument ID. Equities have no expiry, strike,
// or option type.
type Instrument struct {
	ID         string          `json:"id"`
	Underlying string          `json:"underlying"`
	Expiry     time.Time       `json:"expiry,omitempty"`
	Strike     decimal.Decimal `json:"strike"`
	OptionType string          `json:"option_type,omitempty"`
}

// IsOption reports whether the instrument is an option contract.
func (i *Instrument) IsOption() bool {
	return i.OptionType != ""
}

// Parse parses and validates an instrument ID.
// Format: {UNDERLYING}-{YYYYMMDD}-{strike}-{CE|PE} or {SYMBOL}
func Parse(id string) (*Instrument, error) {
	if equityRegex.MatchString(id) {
		return &Instrument{ID: id, Underlying: id}, nil
	}

	matches := optionRegex.FindStringSubmatch(id)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {UNDERLYING}-{YYYYMMDD}-{strike}-{CE|PE} or {SYMBOL})",
			ErrInvalidID, id)
	}

	underlying := matches[1]
	dateStr := matches[2]
	strikeStr := matches[3]
	optionType := matches[4]

	if !validTypes[optionType] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOptionType, optionType)
	}

	expiry, err := time.Parse("20060102", dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expiry %s", ErrInvalidID, dateStr)
	}

	strike, err := decimal.NewFromString(strikeStr)
	if err != nil || !strike.IsPositive() {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidID, strikeStr)
	}

	return &Instrument{
		ID:         id,
		Underlying: underlying,
		Expiry:     expiry,
		Strike:     strike,
		OptionType: optionType,
	}, nil
}

// DefaultLotSizes are the exchange lot sizes for the usual underlyings.
var DefaultLotSizes = map[string]int64{
	"NIFTY":      75,
	"BANKNIFTY":  35,
	"MIDCPNIFTY": 140,
	"SENSEX":     20,
	"SBIN":       3400,
	"RELIANCE":   500,
}

// LotTable maps underlyings to lot sizes.
type LotTable map[string]int64

// NewLotTable merges overrides over DefaultLotSizes. Keys are upper-cased.
func NewLotTable(overrides map[string]int64) LotTable {
	t := make(LotTable, len(DefaultLotSizes)+len(overrides))
	for k, v := range DefaultLotSizes {
		t[k] = v
	}
	for k, v := range overrides {
		t[strings.ToUpper(k)] = v
	}
	return t
}

// LotSize returns the lot size for the instrument's underlying.
func (t LotTable) LotSize(in *Instrument) (int64, bool) {
	size, ok := t[in.Underlying]
	return size, ok && size > 0
}

// Quantity converts a lot count to a share quantity.
func (t LotTable) Quantity(in *Instrument, lots int64) (int64, error) {
	if lots <= 0 {
		return 0, fmt.Errorf("instrument: lots must be positive, got %d", lots)
	}
	size, ok := t.LotSize(in)
	if !ok {
		return 0, fmt.Errorf("instrument: no lot size for %s", in.Underlying)
	}
	return size * lots, nil
}
