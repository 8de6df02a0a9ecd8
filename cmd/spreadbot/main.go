// Command spreadbot runs the intraday defined-risk spread engine: one
// session per invocation, one controller per configured strategy, shared
// risk ledger, forced flatten ahead of the close.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"spreadbot/internal/broker"
	"spreadbot/internal/calendar"
	"spreadbot/internal/config"
	"spreadbot/internal/exec"
	"spreadbot/internal/feature"
	"spreadbot/internal/feed"
	"spreadbot/internal/observ"
	"spreadbot/internal/risk"
	"spreadbot/internal/session"
	"spreadbot/internal/strategy"
	"spreadbot/internal/telemetry"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "spreadbot",
		Short:         "intraday options spread engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "engine config file")

	root.AddCommand(runCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run one trading session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEngine(cfgPath)
			if err != nil {
				return err
			}
			observ.Setup(cfg.Logging)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "validate engine, strategy and calendar files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEngine(cfgPath)
			if err != nil {
				return err
			}
			sf, err := config.LoadStrategies(cfg.StrategiesPath)
			if err != nil {
				return err
			}
			if _, err := calendar.Load(cfg.CalendarPath, nil); err != nil {
				return err
			}
			fmt.Printf("ok: %d strategies, mode=%s, window %s-%s %s\n",
				len(sf.Strategies), cfg.Mode,
				cfg.Session.WindowStart, cfg.Session.WindowEnd, cfg.Session.Timezone)
			return nil
		},
	})
	return cmd
}

func run(ctx context.Context, cfg config.Engine) error {
	if cfg.Mode != "paper" {
		return fmt.Errorf("mode %q: only paper mode has a broker in this build", cfg.Mode)
	}

	sf, err := config.LoadStrategies(cfg.StrategiesPath)
	if err != nil {
		return err
	}
	cal, err := calendar.Load(cfg.CalendarPath, nil)
	if err != nil {
		return err
	}

	sess, err := session.NewSession(time.Now(), cfg.Session)
	if err != nil {
		return err
	}

	jsonl, err := telemetry.NewJSONLWriter(cfg.Telemetry.EventLogPath, cfg.Telemetry.MaxSizeMB, cfg.Telemetry.MaxBackups)
	if err != nil {
		return err
	}
	journal, err := telemetry.NewJournal(cfg.Telemetry.JournalPath)
	if err != nil {
		return err
	}
	sink := telemetry.NewSink(cfg.Telemetry.BufferSize, jsonl, journal)
	defer func() {
		if err := sink.Close(); err != nil {
			observ.Error("telemetry_close", err, nil)
		}
		if n := sink.Dropped(); n > 0 {
			observ.Warn("telemetry_dropped", map[string]any{"events": n})
		}
	}()

	ledger := risk.NewLedger(cfg.Risk, sess.ID, sink)

	book := feed.NewQuoteBook()
	features := feature.NewAdapter(book, cal)
	startFeeds(ctx, cfg, sf, book, features, ledger)

	paper := broker.NewPaper(book, 0)
	br := broker.NewRateLimited(paper, cfg.Broker)
	if err := br.Connect(ctx); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	defer br.Close()

	mgr := exec.NewManager(br, cfg.Exec, sess.ID, sink)

	loc, err := time.LoadLocation(cfg.Session.Timezone)
	if err != nil {
		return fmt.Errorf("session timezone: %w", err)
	}
	deps := strategy.Deps{
		Ledger:    ledger,
		Exec:      mgr,
		Features:  features,
		Sink:      sink,
		SessionID: sess.ID,
		Location:  loc,
	}
	var controllers []*strategy.Controller
	for _, sc := range sf.Strategies {
		if sc.Mode != cfg.Mode {
			observ.Warn("strategy_skipped", map[string]any{"id": sc.ID, "mode": sc.Mode})
			continue
		}
		controllers = append(controllers, strategy.NewController(sc, deps))
	}
	if len(controllers) == 0 {
		return fmt.Errorf("no strategies enabled for mode %q", cfg.Mode)
	}

	observ.Log("session_configured", map[string]any{
		"session": sess.ID, "controllers": len(controllers),
		"window_start": sess.WindowStart, "flatten": sess.FlattenDeadline,
	})

	err = session.NewScheduler(sess, cfg.Session, controllers, sink).Run(ctx)

	st := ledger.Snapshot()
	observ.Log("session_summary", map[string]any{
		"realized": st.Realized, "halted": st.Halted, "halt_reason": st.HaltReason,
	})
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// startFeeds runs one feed goroutine per distinct symbol: the websocket
// client when an endpoint is configured, the seeded sim otherwise.
func startFeeds(ctx context.Context, cfg config.Engine, sf config.StrategyFile, book *feed.QuoteBook, features *feature.Adapter, ledger *risk.Ledger) {
	if cfg.Feed.URL != "" {
		ws := feed.NewWSClient(cfg.Feed.URL, book, features)
		ws.SetVolObserver(ledger)
		go ws.Run(ctx)
		return
	}
	seen := map[string]bool{}
	for _, sc := range sf.Strategies {
		if seen[sc.Symbol] {
			continue
		}
		seen[sc.Symbol] = true
		sim := feed.NewSimFeed(book, features, sc.Symbol, cfg.Feed.SimBasePrice, cfg.Feed.SimSeed, time.Second)
		sim.SetVolObserver(ledger)
		go sim.Run(ctx)
	}
}
