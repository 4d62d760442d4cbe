package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openquant/turtle/internal/audit"
	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/config"
	"github.com/openquant/turtle/internal/executor"
	"github.com/openquant/turtle/internal/live"
	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/order"
	"github.com/openquant/turtle/internal/portfolio"
	"github.com/openquant/turtle/internal/risk"
	"github.com/openquant/turtle/internal/session"
	sig "github.com/openquant/turtle/internal/signal"
)

func buildAudit(cfg config.Audit) (audit.Logger, error) {
	switch cfg.Sink {
	case "jsonl":
		return audit.NewJSONL(cfg.JSONLPath)
	case "postgres":
		dsn := cfg.PostgresDSN
		if dsn == "" {
			dsn = os.Getenv("POSTGRES_DSN")
		}
		return audit.NewPostgres(dsn)
	default:
		return audit.Nop{}, nil
	}
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfgPath, fixturesPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&fixturesPath, "fixtures", "fixtures/live.json", "signals/bars fixtures path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	mem, err := loadFixtures(fixturesPath)
	if err != nil {
		log.Fatalf("load fixtures: %v", err)
	}

	sink, err := buildAudit(cfg.Audit)
	if err != nil {
		log.Fatalf("audit sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			observ.Error("audit_close_failed", map[string]any{"error": err.Error()})
		}
	}()

	pb := broker.NewPaperBroker(broker.PaperConfig{
		InitialCash:        cfg.InitialCapital,
		LatencyMsMin:       cfg.Paper.LatencyMsMin,
		LatencyMsMax:       cfg.Paper.LatencyMsMax,
		SlippageBpsMin:     cfg.Paper.SlippageBpsMin,
		SlippageBpsMax:     cfg.Paper.SlippageBpsMax,
		RequestsPerSecond:  cfg.Paper.RequestsPerSecond,
		CommissionPerShare: cfg.Paper.CommissionPerShare,
	}, func(ticker string) (float64, bool) {
		return mem.LatestClose(ticker, time.Now().UTC())
	})

	sess := session.New("turtle", cfg.InitialCapital, true, cfg.Universe)
	sizer := portfolio.NewSizer(cfg.Sizing.MinPositionValue, cfg.Sizing.MaxPositionValue, cfg.Sizing.MinCashReserve)
	ledger := portfolio.NewLedger(cfg.InitialCapital, sizer)
	ledger.SetSlippagePct(cfg.SlippagePct)

	exec := executor.New(pb, sink, sess.ID, order.RetryPolicy{
		MaxAttempts: cfg.Live.MaxRetries,
		Delay:       time.Duration(cfg.Live.RetryDelaySecs) * time.Second,
	})
	riskMgr, err := risk.NewManager(cfg.Risk, ledger, exec, sink, sess.ID)
	if err != nil {
		log.Fatalf("risk manager: %v", err)
	}

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

	driver, err := live.New(live.Options{
		Broker:       pb,
		Executor:     exec,
		Risk:         riskMgr,
		Ledger:       ledger,
		Sizer:        sizer,
		Selector:     sig.NewSelector(cfg.Selector.MaxPositions, cfg.Selector.MinRanking),
		Source:       source,
		Exits:        exits,
		Bars:         mem,
		Audit:        sink,
		Session:      sess,
		Universe:     cfg.Universe,
		PollInterval: time.Duration(cfg.Live.PollIntervalSecs) * time.Second,
	})
	if err != nil {
		log.Fatalf("live driver: %v", err)
	}

	observ.Log("startup", map[string]any{
		"mode":       "live",
		"session_id": sess.ID,
		"universe":   len(cfg.Universe),
		"capital":    cfg.InitialCapital,
		"audit_sink": cfg.Audit.Sink,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := driver.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	<-ctx.Done()
	observ.Log("shutdown_signal", nil)

	// Use a fresh context so teardown can still cancel orders.
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	driver.Stop(stopCtx)
}
