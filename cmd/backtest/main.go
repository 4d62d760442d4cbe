package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openquant/turtle/internal/backtest"
	"github.com/openquant/turtle/internal/config"
	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/portfolio"
	sig "github.com/openquant/turtle/internal/signal"
)

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

func main() {
	var cfgPath, fixturesPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&fixturesPath, "fixtures", "fixtures/backtest.json", "signals/bars fixtures path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	start, end, err := cfg.BacktestWindow()
	if err != nil {
		log.Fatalf("backtest window: %v", err)
	}

	mem, err := loadFixtures(fixturesPath)
	if err != nil {
		log.Fatalf("load fixtures: %v", err)
	}

	sizer := portfolio.NewSizer(cfg.Sizing.MinPositionValue, cfg.Sizing.MaxPositionValue, cfg.Sizing.MinCashReserve)
	ledger := portfolio.NewLedger(cfg.InitialCapital, sizer)
	ledger.SetSlippagePct(cfg.SlippagePct)
	selector := sig.NewSelector(cfg.Selector.MaxPositions, cfg.Selector.MinRanking)

	registry := sig.NewRegistry()
	registry.RegisterSource("fixtures", func() sig.Source { return mem })
	registry.RegisterExit("fixtures", func() sig.ExitStrategy { return mem })
	source, err := registry.Source(cfg.Selector.Strategy)
	if err != nil {
		log.Fatalf("signal source: %v (available: %v)", err, registry.SourceNames())
	}
	exits, err := registry.Exit(cfg.Selector.Strategy)
	if err != nil {
		log.Fatalf("exit strategy: %v", err)
	}

	bt, err := backtest.New(backtest.Options{
		Start:    start,
		End:      end,
		Universe: cfg.Universe,
		Ledger:   ledger,
		Selector: selector,
		Source:   source,
		Exits:    exits,
		Bars:     mem,
	})
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}

	observ.Log("startup", map[string]any{
		"mode":     "backtest",
		"start":    start.Format("2006-01-02"),
		"end":      end.Format("2006-01-02"),
		"universe": len(cfg.Universe),
		"capital":  cfg.InitialCapital,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := bt.Run(ctx)
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatalf("encode results: %v", err)
	}
}
