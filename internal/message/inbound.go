package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decoding errors. Callers log and discard on either; the connection stays open.
var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound is implemented by every message received from the backend.
type Inbound interface {
	MessageType() Type
}

// SymbolDescriptor is one entry of a db_symbols_list message.
type SymbolDescriptor struct {
	Name  string         `json:"name"`
	Extra map[string]any `json:"-"`
}

// UnmarshalJSON keeps unknown descriptor fields in Extra.
func (d *SymbolDescriptor) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	name, ok := raw["name"].(string)
	if !ok || name == "" {
		return errors.New("symbol descriptor requires name")
	}
	delete(raw, "name")
	d.Name = name
	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}

// MarshalJSON flattens Extra back into the descriptor object.
func (d SymbolDescriptor) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+1)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["name"] = d.Name
	return json.Marshal(out)
}

// DBSymbolsList is the backend's answer to GetDBSymbols.
type DBSymbolsList struct {
	Data []SymbolDescriptor `json:"data"`
}

// MessageType implements Inbound.
func (DBSymbolsList) MessageType() Type { return TypeDBSymbolsList }

// Names returns the symbol names in backend order.
func (m DBSymbolsList) Names() []string {
	names := make([]string, 0, len(m.Data))
	for _, d := range m.Data {
		names = append(names, d.Name)
	}
	return names
}

// Log is a free-form log line pushed by the backend.
type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// MessageType implements Inbound.
func (Log) MessageType() Type { return TypeLog }

// Status is a backend status notification.
type Status struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// MessageType implements Inbound.
func (Status) MessageType() Type { return TypeStatus }

// Decode parses one inbound frame. Unknown types are rejected explicitly.
func Decode(data []byte) (Inbound, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch head.Type {
	case TypeDBSymbolsList:
		var m DBSymbolsList
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
		}
		return m, nil
	case TypeLog:
		var m Log
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
		}
		return m, nil
	case TypeStatus:
		var m Status
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}
