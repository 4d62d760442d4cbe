package signal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Source, BarSource and ExitStrategy backed by
// preloaded fixtures. The drivers consume real strategies through the
// same interfaces; Memory serves backtests over exported data and tests.
type Memory struct {
	mu      sync.RWMutex
	signals map[string][]Signal // ticker -> signals sorted by date
	bars    map[string][]Bar
	exits   map[string]Exit
}

func NewMemory() *Memory {
	return &Memory{
		signals: map[string][]Signal{},
		bars:    map[string][]Bar{},
		exits:   map[string]Exit{},
	}
}

// AddSignal registers an entry candidate.
func (m *Memory) AddSignal(s Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sigs := append(m.signals[s.Ticker], s)
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Date.Before(sigs[j].Date) })
	m.signals[s.Ticker] = sigs
}

// AddBar registers one OHLCV bar.
func (m *Memory) AddBar(b Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars := append(m.bars[b.Ticker], b)
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	m.bars[b.Ticker] = bars
}

// SetExit registers the exit decision returned for a ticker.
func (m *Memory) SetExit(e Exit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits[e.Ticker] = e
}

func (m *Memory) GetSignals(_ context.Context, ticker string, from, to time.Time) ([]Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Signal
	for _, s := range m.signals[ticker] {
		if !s.Date.Before(from) && !s.Date.After(to) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, ErrDataUnavailable
	}
	return out, nil
}

func (m *Memory) GetBars(_ context.Context, ticker string, from, to time.Time) ([]Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Bar
	for _, b := range m.bars[ticker] {
		if !b.Date.Before(from) && !b.Date.After(to) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, ErrDataUnavailable
	}
	return out, nil
}

// CalculateExit returns the registered exit for the ticker of the given
// bars. Empty input and unknown tickers are explicit errors, never a
// zero Exit.
func (m *Memory) CalculateExit(bars []Bar) (Exit, error) {
	if len(bars) == 0 {
		return Exit{}, ErrDataUnavailable
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	exit, ok := m.exits[bars[0].Ticker]
	if !ok {
		return Exit{}, ErrDataUnavailable
	}
	return exit, nil
}

// LatestClose is the most recent close at or before the given time.
func (m *Memory) LatestClose(ticker string, at time.Time) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars := m.bars[ticker]
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Date.After(at) {
			return bars[i].Close, true
		}
	}
	return 0, false
}
