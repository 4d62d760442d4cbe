package main

import (
	"encoding/json"
	"os"
	"time"

	sig "github.com/openquant/turtle/internal/signal"
)

// Fixture-backed market data stands in for the real signal exporter
// until the strategy service grows a network API.
type fixturesFile struct {
	Signals []struct {
		Ticker  string `json:"ticker"`
		Date    string `json:"date"`
		Ranking int    `json:"ranking"`
	} `json:"signals"`
	Bars []struct {
		Ticker string  `json:"ticker"`
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"bars"`
	Exits []struct {
		Ticker string  `json:"ticker"`
		Date   string  `json:"date"`
		Price  float64 `json:"price"`
		Reason string  `json:"reason"`
	} `json:"exits"`
}

func loadFixtures(path string) (*sig.Memory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fixturesFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}

	mem := sig.NewMemory()
	for _, s := range f.Signals {
		date, err := time.Parse("2006-01-02", s.Date)
		if err != nil {
			return nil, err
		}
		mem.AddSignal(sig.Signal{Ticker: s.Ticker, Date: date, Ranking: s.Ranking})
	}
	for _, b := range f.Bars {
		date, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			return nil, err
		}
		mem.AddBar(sig.Bar{
			Ticker: b.Ticker, Date: date,
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		})
	}
	for _, e := range f.Exits {
		date, err := time.Parse("2006-01-02", e.Date)
		if err != nil {
			return nil, err
		}
		mem.SetExit(sig.Exit{Ticker: e.Ticker, Date: date, Price: e.Price, Reason: e.Reason})
	}
	return mem, nil
}
