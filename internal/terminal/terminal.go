// Package terminal defines the query contract of the MetaTrader 5 terminal the
// agent reads from. The terminal has no native pagination: every query returns
// the full collection.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable marks a connection-level failure of the terminal. It is
// distinct from an empty result, which is reported as an empty slice.
var ErrUnavailable = errors.New("terminal unavailable")

// Timeframe is an MT5 bar period such as M1 or H4.
type Timeframe string

// Supported timeframes.
const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
	TimeframeMN1 Timeframe = "MN1"
)

// ParseTimeframe validates a timeframe name, case-insensitively.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	switch tf {
	case TimeframeM1, TimeframeM5, TimeframeM15, TimeframeM30,
		TimeframeH1, TimeframeH4, TimeframeD1, TimeframeW1, TimeframeMN1:
		return tf, nil
	default:
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
}

// Account is the terminal's current trading account.
type Account struct {
	Login int64
	// Fields holds the full descriptor as reported by the terminal.
	Fields map[string]any
}

// Symbol is a raw symbol descriptor. Values keep the terminal's own numeric
// representation until the batch producer normalizes them.
type Symbol map[string]any

// Bar is one raw price bar. Time is seconds since the Unix epoch.
type Bar struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume uint64  `json:"tick_volume"`
	Spread     int32   `json:"spread"`
	RealVolume uint64  `json:"real_volume"`
}

// Source is the terminal query contract. Connect and Disconnect are idempotent.
// Fetch methods return an error wrapping ErrUnavailable when the terminal
// cannot be reached and an empty, non-nil slice when it has no data.
type Source interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	AccountInfo(ctx context.Context) (Account, error)
	Symbols(ctx context.Context) ([]Symbol, error)
	Rates(ctx context.Context, symbol string, timeframe Timeframe, count int) ([]Bar, error)
}
