// Package message defines the JSON messages exchanged with the backend proxy.
//
// Every outbound and inbound kind is an explicit type; Encode and Decode are the
// only places where the wire shape is produced or parsed.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the value of the "type" discriminator field.
type Type string

// Outbound message types.
const (
	TypeAccountInfo  Type = "account_info"
	TypeSymbolsSync  Type = "symbols_info_sync"
	TypeRatesSync    Type = "sync_rates_data"
	TypeGetDBSymbols Type = "get_db_symbols"
)

// Inbound message types.
const (
	TypeDBSymbolsList Type = "db_symbols_list"
	TypeLog           Type = "log"
	TypeStatus        Type = "status"
)

// ErrInvalidPayload is returned when an outbound message fails validation.
var ErrInvalidPayload = errors.New("invalid payload")

// SymbolRecord is one normalized symbol descriptor as reported by the terminal.
type SymbolRecord map[string]any

// Name returns the descriptor's "name" field, if present.
func (r SymbolRecord) Name() string {
	name, _ := r["name"].(string)
	return name
}

// RateRecord is one normalized price bar.
type RateRecord struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume int64   `json:"tick_volume"`
	Spread     int64   `json:"spread"`
	RealVolume int64   `json:"real_volume"`
	TimeReal   string  `json:"time_real"`
}

// Outbound is implemented by every message sent to the backend.
type Outbound interface {
	MessageType() Type
	Validate() error
}

// AccountInfo announces the terminal account after the handshake.
type AccountInfo struct {
	Login int64          `json:"login"`
	Data  map[string]any `json:"data"`
}

// MessageType implements Outbound.
func (AccountInfo) MessageType() Type { return TypeAccountInfo }

// Validate implements Outbound.
func (m AccountInfo) Validate() error {
	if m.Login <= 0 {
		return fmt.Errorf("%w: account_info requires login", ErrInvalidPayload)
	}
	return nil
}

// SymbolsSync carries one batch of symbol descriptors.
type SymbolsSync struct {
	Login   int64          `json:"login"`
	Symbols []SymbolRecord `json:"symbols"`
}

// MessageType implements Outbound.
func (SymbolsSync) MessageType() Type { return TypeSymbolsSync }

// Validate implements Outbound.
func (m SymbolsSync) Validate() error {
	if m.Login <= 0 {
		return fmt.Errorf("%w: symbols_info_sync requires login", ErrInvalidPayload)
	}
	if len(m.Symbols) == 0 {
		return fmt.Errorf("%w: symbols_info_sync requires at least one symbol", ErrInvalidPayload)
	}
	return nil
}

// RatesSync carries one batch of price bars for a single symbol.
type RatesSync struct {
	Login  int64        `json:"login"`
	Symbol string       `json:"symbol"`
	Data   []RateRecord `json:"data"`
}

// MessageType implements Outbound.
func (RatesSync) MessageType() Type { return TypeRatesSync }

// Validate implements Outbound.
func (m RatesSync) Validate() error {
	switch {
	case m.Login <= 0:
		return fmt.Errorf("%w: sync_rates_data requires login", ErrInvalidPayload)
	case m.Symbol == "":
		return fmt.Errorf("%w: sync_rates_data requires symbol", ErrInvalidPayload)
	case len(m.Data) == 0:
		return fmt.Errorf("%w: sync_rates_data requires at least one bar", ErrInvalidPayload)
	}
	return nil
}

// GetDBSymbols asks the backend for the symbols it already stores.
type GetDBSymbols struct {
	Login int64 `json:"login"`
}

// MessageType implements Outbound.
func (GetDBSymbols) MessageType() Type { return TypeGetDBSymbols }

// Validate implements Outbound.
func (m GetDBSymbols) Validate() error {
	if m.Login <= 0 {
		return fmt.Errorf("%w: get_db_symbols requires login", ErrInvalidPayload)
	}
	return nil
}

// Encode validates msg and renders it as a flat JSON object with a "type" field.
func Encode(msg Outbound) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidPayload)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	var envelope any
	switch m := msg.(type) {
	case AccountInfo:
		envelope = struct {
			Type Type `json:"type"`
			AccountInfo
		}{m.MessageType(), m}
	case SymbolsSync:
		envelope = struct {
			Type Type `json:"type"`
			SymbolsSync
		}{m.MessageType(), m}
	case RatesSync:
		envelope = struct {
			Type Type `json:"type"`
			RatesSync
		}{m.MessageType(), m}
	case GetDBSymbols:
		envelope = struct {
			Type Type `json:"type"`
			GetDBSymbols
		}{m.MessageType(), m}
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrInvalidPayload, msg)
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	return data, nil
}
