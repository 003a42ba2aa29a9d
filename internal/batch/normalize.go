package batch

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/mani1728/Mani-FAI-Client/internal/message"
	"github.com/mani1728/Mani-FAI-Client/internal/terminal"
)

// TimeLayout is the UTC wall-clock form used for every timestamp sent upstream.
const TimeLayout = "2006-01-02 15:04:05"

// NormalizeSymbol converts a raw descriptor into a record whose numbers are
// int64 or float64 and whose timestamps are TimeLayout strings.
func NormalizeSymbol(sym terminal.Symbol) message.SymbolRecord {
	out := make(message.SymbolRecord, len(sym))
	for k, v := range sym {
		out[k] = normalizeValue(v)
	}
	return out
}

// NormalizeBar converts a raw bar into its wire record.
func NormalizeBar(bar terminal.Bar) message.RateRecord {
	return message.RateRecord{
		Time:       bar.Time,
		Open:       bar.Open,
		High:       bar.High,
		Low:        bar.Low,
		Close:      bar.Close,
		TickVolume: clampUint(bar.TickVolume),
		Spread:     int64(bar.Spread),
		RealVolume: clampUint(bar.RealVolume),
		TimeReal:   time.Unix(bar.Time, 0).UTC().Format(TimeLayout),
	}
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return string(n)
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return clampUint(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return clampUint(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case time.Time:
		return n.UTC().Format(TimeLayout)
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, inner := range n {
			out[k] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, inner := range n {
			out[i] = normalizeValue(inner)
		}
		return out
	default:
		return v
	}
}

func clampUint(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(u)
}
