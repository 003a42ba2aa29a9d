// Package memory provides an in-memory terminal.Source for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mani1728/Mani-FAI-Client/internal/terminal"
)

// Source serves a fixed account, symbol list, and per-symbol bars.
type Source struct {
	mu        sync.Mutex
	account   terminal.Account
	symbols   []terminal.Symbol
	rates     map[string][]terminal.Bar
	failWith  error
	connected bool
	connects  int
}

// Fixture is the on-disk shape accepted by LoadFixture.
type Fixture struct {
	Account map[string]any            `json:"account"`
	Symbols []terminal.Symbol         `json:"symbols"`
	Rates   map[string][]terminal.Bar `json:"rates"`
}

// New returns a Source for the given account login.
func New(login int64) *Source {
	return &Source{
		account: terminal.Account{Login: login, Fields: map[string]any{"login": login}},
		rates:   make(map[string][]terminal.Bar),
	}
}

// LoadFixture builds a Source from a JSON fixture file.
func LoadFixture(path string) (*Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fx Fixture
	if err := json.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	login, ok := fx.Account["login"].(float64)
	if !ok || login <= 0 {
		return nil, fmt.Errorf("fixture account requires a positive login")
	}
	src := New(int64(login))
	src.account.Fields = fx.Account
	src.symbols = fx.Symbols
	for name, bars := range fx.Rates {
		src.rates[name] = bars
	}
	return src, nil
}

// SetSymbols replaces the symbol list.
func (s *Source) SetSymbols(symbols []terminal.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = symbols
}

// SetRates replaces the bars served for symbol.
func (s *Source) SetRates(symbol string, bars []terminal.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[symbol] = bars
}

// Fail makes every following call return err wrapped in terminal.ErrUnavailable.
// A nil err restores normal behavior.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Connected reports whether Connect succeeded and Disconnect was not called since.
func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connects returns how many times Connect was called.
func (s *Source) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Connect implements terminal.Source.
func (s *Source) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if err := s.failure(); err != nil {
		s.connected = false
		return err
	}
	s.connected = true
	return nil
}

// Disconnect implements terminal.Source.
func (s *Source) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// AccountInfo implements terminal.Source.
func (s *Source) AccountInfo(context.Context) (terminal.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return terminal.Account{}, err
	}
	return s.account, nil
}

// Symbols implements terminal.Source.
func (s *Source) Symbols(context.Context) ([]terminal.Symbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	out := make([]terminal.Symbol, len(s.symbols))
	copy(out, s.symbols)
	return out, nil
}

// Rates implements terminal.Source. count limits the result to the most recent bars.
func (s *Source) Rates(_ context.Context, symbol string, _ terminal.Timeframe, count int) ([]terminal.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	bars := s.rates[symbol]
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]terminal.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (s *Source) failure() error {
	if s.failWith == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", terminal.ErrUnavailable, s.failWith)
}
