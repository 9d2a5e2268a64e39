package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/darwinreplay/backtester/internal/schema"
)

// OHLCVSource delivers bars for one symbol in strictly increasing
// timestamp order over [start, end]. The source owns any caching,
// rate-limit handling, or synthesis; the runner assumes delivered bars
// are valid.
type OHLCVSource interface {
	IterBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) (<-chan schema.Bar, <-chan error)
}

// jsonBar is the on-disk fixture shape for JSONFileSource, one record per
// bar. Timestamp is RFC3339.
type jsonBar struct {
	Symbol    string  `json:"symbol"`
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// JSONFileSource loads bars from a single JSON fixture file: an array of
// jsonBar records for one or more symbols. It is the reference
// OHLCVSource used by the runner's own tests and by cmd/backtest for
// offline replay.
type JSONFileSource struct {
	bySymbol map[string][]schema.Bar
}

// NewJSONFileSource reads and sorts path's bars per symbol.
func NewJSONFileSource(path string) (*JSONFileSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runner: read bar fixture %q: %w", path, err)
	}
	var raw []jsonBar
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("runner: parse bar fixture %q: %w", path, err)
	}

	bySymbol := map[string][]schema.Bar{}
	for _, r := range raw {
		ts, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("runner: bad timestamp %q for %s: %w", r.Timestamp, r.Symbol, err)
		}
		bySymbol[r.Symbol] = append(bySymbol[r.Symbol], schema.Bar{
			Symbol: r.Symbol, Timestamp: ts,
			Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
		})
	}
	for sym := range bySymbol {
		sort.Slice(bySymbol[sym], func(i, j int) bool {
			return bySymbol[sym][i].Timestamp.Before(bySymbol[sym][j].Timestamp)
		})
	}
	return &JSONFileSource{bySymbol: bySymbol}, nil
}

// mergeBars fans in one OHLCVSource channel per symbol and emits bars in
// strictly increasing timestamp order across all of them, breaking ties
// by symbol name so the merged stream is deterministic. This is what
// lets the single-threaded bar loop treat a multi-symbol run as a
// single ordered sequence.
func mergeBars(ctx context.Context, src OHLCVSource, symbols []string, start, end time.Time, timeframe string) (<-chan schema.Bar, <-chan error) {
	type head struct {
		bar schema.Bar
		ok  bool
	}
	chans := make(map[string]<-chan schema.Bar, len(symbols))
	errs := make(map[string]<-chan error, len(symbols))
	heads := make(map[string]head, len(symbols))

	for _, sym := range symbols {
		bc, ec := src.IterBars(ctx, sym, start, end, timeframe)
		chans[sym] = bc
		errs[sym] = ec
	}
	for _, sym := range symbols {
		b, ok := <-chans[sym]
		heads[sym] = head{bar: b, ok: ok}
	}

	out := make(chan schema.Bar)
	errc := make(chan error, len(symbols))

	go func() {
		defer close(out)
		defer close(errc)
		for {
			bestSym := ""
			for _, sym := range symbols {
				h := heads[sym]
				if !h.ok {
					continue
				}
				if bestSym == "" || h.bar.Timestamp.Before(heads[bestSym].bar.Timestamp) ||
					(h.bar.Timestamp.Equal(heads[bestSym].bar.Timestamp) && sym < bestSym) {
					bestSym = sym
				}
			}
			if bestSym == "" {
				for _, sym := range symbols {
					select {
					case err, ok := <-errs[sym]:
						if ok && err != nil {
							errc <- err
						}
					default:
					}
				}
				return
			}

			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case out <- heads[bestSym].bar:
			}

			b, ok := <-chans[bestSym]
			heads[bestSym] = head{bar: b, ok: ok}
		}
	}()
	return out, errc
}

func (s *JSONFileSource) IterBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) (<-chan schema.Bar, <-chan error) {
	out := make(chan schema.Bar)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		for _, bar := range s.bySymbol[symbol] {
			if ctx.Err() != nil {
				errc <- ctx.Err()
				return
			}
			if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
				continue
			}
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case out <- bar:
			}
		}
	}()
	return out, errc
}
