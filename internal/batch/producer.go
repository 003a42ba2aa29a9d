package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/message"
	"github.com/mani1728/Mani-FAI-Client/internal/terminal"
)

// ErrFetch marks a failed fetch from the terminal. A Producer never reports
// such a failure as an empty stream.
var ErrFetch = errors.New("fetch from terminal failed")

// Default batch sizes and history depth.
const (
	DefaultSymbolBatchSize = 500
	DefaultRateBatchSize   = 5000
	DefaultRateCount       = 100000
)

// Config sizes the batches a Producer emits.
type Config struct {
	SymbolBatchSize int
	RateBatchSize   int
	RateCount       int
	Timeframe       terminal.Timeframe
}

// Producer reads full collections from a terminal.Source and partitions them.
type Producer struct {
	source terminal.Source
	cfg    Config
	logger *zap.Logger
}

// NewProducer applies defaults to cfg and returns a Producer.
func NewProducer(source terminal.Source, cfg Config, logger *zap.Logger) *Producer {
	if cfg.SymbolBatchSize <= 0 {
		cfg.SymbolBatchSize = DefaultSymbolBatchSize
	}
	if cfg.RateBatchSize <= 0 {
		cfg.RateBatchSize = DefaultRateBatchSize
	}
	if cfg.RateCount <= 0 {
		cfg.RateCount = DefaultRateCount
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = terminal.TimeframeM1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{source: source, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (p *Producer) Config() Config {
	return p.cfg
}

// Symbols fetches every terminal symbol and returns them as a batch stream.
func (p *Producer) Symbols(ctx context.Context, progress ProgressFunc) (Stream[message.SymbolRecord], error) {
	if err := p.connect(ctx); err != nil {
		return Stream[message.SymbolRecord]{}, err
	}
	symbols, err := p.source.Symbols(ctx)
	if err != nil {
		return Stream[message.SymbolRecord]{}, fmt.Errorf("%w: symbols: %w", ErrFetch, err)
	}
	if len(symbols) == 0 {
		p.logger.Warn("no symbols found in market watch")
		return emptyStream[message.SymbolRecord](), nil
	}
	p.logger.Info("retrieved symbols, starting batch processing",
		zap.Int("total", len(symbols)),
		zap.Int("batch_size", p.cfg.SymbolBatchSize),
	)
	return Stream[message.SymbolRecord]{
		Total:   len(symbols),
		Batches: Map(symbols, p.cfg.SymbolBatchSize, progress, NormalizeSymbol),
	}, nil
}

// Rates fetches the configured history depth of symbol and returns it as a
// batch stream.
func (p *Producer) Rates(
	ctx context.Context,
	symbol string,
	progress ProgressFunc,
) (Stream[message.RateRecord], error) {
	if symbol == "" {
		return Stream[message.RateRecord]{}, errors.New("symbol is required")
	}
	if err := p.connect(ctx); err != nil {
		return Stream[message.RateRecord]{}, err
	}
	bars, err := p.source.Rates(ctx, symbol, p.cfg.Timeframe, p.cfg.RateCount)
	if err != nil {
		return Stream[message.RateRecord]{}, fmt.Errorf("%w: rates for %s: %w", ErrFetch, symbol, err)
	}
	if len(bars) == 0 {
		p.logger.Warn("no rates found", zap.String("symbol", symbol))
		return emptyStream[message.RateRecord](), nil
	}
	p.logger.Info("retrieved rates, starting batch processing",
		zap.String("symbol", symbol),
		zap.Int("total", len(bars)),
		zap.Int("batch_size", p.cfg.RateBatchSize),
	)
	return Stream[message.RateRecord]{
		Total:   len(bars),
		Batches: Map(bars, p.cfg.RateBatchSize, progress, NormalizeBar),
	}, nil
}

func (p *Producer) connect(ctx context.Context) error {
	if err := p.source.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect: %w", ErrFetch, err)
	}
	return nil
}

func emptyStream[T any]() Stream[T] {
	return Stream[T]{Batches: func(func([]T) bool) {}}
}
