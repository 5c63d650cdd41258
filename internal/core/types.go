package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Category is a Bybit v5 product category.
type Category string

const (
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
	CategoryOption  Category = "option"
	CategorySpot    Category = "spot"
)

// Valid reports whether the category is one Bybit accepts.
func (c Category) Valid() bool {
	switch c {
	case CategoryLinear, CategoryInverse, CategoryOption, CategorySpot:
		return true
	}
	return false
}

// Side is a position side as Bybit spells it.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Flag is a boolean that Bybit encodes as 0/1, quoted or not depending on
// the endpoint. It marshals back to the quoted form the position list uses.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(bytes.Trim(data, `"`)) {
	case "1", "true":
		*f = true
	case "0", "", "false", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag value %s", string(data))
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte(`"1"`), nil
	}
	return []byte(`"0"`), nil
}

// PositionQuery selects a slice of the account's open positions. Exactly one
// of Symbol/SettleCoin is effective; Symbol wins when both are set.
type PositionQuery struct {
	Category   Category `json:"category" yaml:"category"`
	Symbol     string   `json:"symbol,omitempty" yaml:"symbol"`
	SettleCoin string   `json:"settleCoin,omitempty" yaml:"settle_coin"`
}

// Params returns the query parameters for /v5/position/list.
func (q PositionQuery) Params() map[string]string {
	p := map[string]string{"category": string(q.Category)}
	if q.Symbol != "" {
		p["symbol"] = q.Symbol
	} else {
		p["settleCoin"] = q.SettleCoin
	}
	return p
}

// CacheKey serializes the query deterministically. Two queries selecting the
// same positions always yield the same key regardless of how they were built.
func (q PositionQuery) CacheKey() string {
	if q.Symbol != "" {
		return string(q.Category) + "|symbol=" + q.Symbol
	}
	return string(q.Category) + "|settleCoin=" + q.SettleCoin
}

// Validate checks that the query is accepted by the exchange.
func (q PositionQuery) Validate() error {
	if !q.Category.Valid() {
		return fmt.Errorf("invalid category %q", q.Category)
	}
	if q.Symbol == "" && q.SettleCoin == "" {
		return fmt.Errorf("query needs a symbol or a settle coin")
	}
	return nil
}

// Position is a read-only snapshot of one open position as the exchange
// reports it. Numeric fields stay wire strings; use the decimal accessors
// for arithmetic.
type Position struct {
	Symbol        string `json:"symbol"`
	Side          Side   `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	LiqPrice      string `json:"liqPrice"`
	PositionValue string `json:"positionValue"`
	AutoAddMargin Flag   `json:"autoAddMargin"`
}

// SizeDecimal returns the position size, zero when absent or malformed.
func (p Position) SizeDecimal() decimal.Decimal {
	return parseDecimal(p.Size)
}

// UnrealisedPnlDecimal returns the unrealised PnL, zero when absent.
func (p Position) UnrealisedPnlDecimal() decimal.Decimal {
	return parseDecimal(p.UnrealisedPnl)
}

// PositionValueDecimal returns the position notional, zero when absent.
func (p Position) PositionValueDecimal() decimal.Decimal {
	return parseDecimal(p.PositionValue)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// MarginCommand toggles auto-add-margin for one symbol/side.
type MarginCommand struct {
	Category Category
	Symbol   string
	Side     Side
	Enable   bool
}

// AutoAddMarginValue renders Enable the way the endpoint expects it.
func (c MarginCommand) AutoAddMarginValue() string {
	if c.Enable {
		return "1"
	}
	return "0"
}

// CommandResult is the exchange's acknowledgment of a margin command. Raw
// holds the full response envelope so callers can relay it verbatim.
type CommandResult struct {
	RetCode int
	RetMsg  string
	Raw     json.RawMessage
}

// PositionsSnapshot is one monitor cycle's aggregated view, broadcast to
// live subscribers.
type PositionsSnapshot struct {
	Timestamp          int64      `json:"timestamp"`
	Positions          []Position `json:"positions"`
	TotalUnrealisedPnl string     `json:"totalUnrealisedPnl"`
	TotalPositionValue string     `json:"totalPositionValue"`
	Errors             []string   `json:"errors,omitempty"`
}

// CommandEvent describes an executed margin command, broadcast so dashboards
// can surface webhook activity as it happens.
type CommandEvent struct {
	RequestID string   `json:"requestId"`
	Category  Category `json:"category"`
	Symbol    string   `json:"symbol"`
	Side      Side     `json:"side"`
	Enable    bool     `json:"enable"`
	RetCode   int      `json:"retCode"`
	RetMsg    string   `json:"retMsg"`
}
