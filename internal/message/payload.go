package message

import "fmt"

// Kind selects which dataset a SyncPayload carries.
type Kind string

// Sync kinds.
const (
	KindSymbols Kind = "symbols"
	KindRates   Kind = "rates"
)

// SyncPayload is one batch of a sync run, scoped to the authenticated account.
// Subject is the instrument name and is only set for KindRates.
type SyncPayload struct {
	Kind    Kind
	OwnerID int64
	Subject string
	Symbols []SymbolRecord
	Rates   []RateRecord
}

// Len returns the number of records in the payload.
func (p SyncPayload) Len() int {
	if p.Kind == KindRates {
		return len(p.Rates)
	}
	return len(p.Symbols)
}

// Outbound converts the payload into its wire message.
func (p SyncPayload) Outbound() (Outbound, error) {
	var msg Outbound
	switch p.Kind {
	case KindSymbols:
		msg = SymbolsSync{Login: p.OwnerID, Symbols: p.Symbols}
	case KindRates:
		msg = RatesSync{Login: p.OwnerID, Symbol: p.Subject, Data: p.Rates}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
