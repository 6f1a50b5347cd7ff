// Package app wires configuration, storage, ingesters, strategies, and the
// engine into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"poly-sniper/internal/config"
	"poly-sniper/internal/discovery"
	"poly-sniper/internal/engine"
	"poly-sniper/internal/exec"
	"poly-sniper/internal/ingest"
	"poly-sniper/internal/ledger"
	"poly-sniper/internal/metrics"
	"poly-sniper/internal/notify"
	"poly-sniper/internal/persist"
	"poly-sniper/internal/persist/sqlite"
	"poly-sniper/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	audit     *persist.Audit
	timescale *persist.Timescale
	executor  exec.Executor
	ledger    *ledger.Ledger
	alerts    *notify.Telegram
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus

	engine    *engine.Engine
	threshold *strategy.Threshold
	keyword   *strategy.Keyword
	manual    *ingest.Manual
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Persist.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.Persist.SQLitePath)
	if err != nil {
		return nil, err
	}
	audit, err := persist.NewAudit(cfg.Persist.AuditDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	timescale, err := persist.NewTimescale(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
	}

	paper := exec.NewPaper(cfg.Executor, log)
	executor := exec.NewIdempotent(paper, store, log)

	var m *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.Listen != "" {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	} else {
		m = metrics.NewNoop()
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		audit:     audit,
		timescale: timescale,
		executor:  executor,
		ledger:    ledger.New(cfg.Risk.MaxPositions, log),
		alerts:    notify.NewTelegram(cfg.Telegram, log),
		metrics:   m,
		prom:      prom,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.audit.Close()
	if a.timescale != nil {
		a.timescale.Start(ctx)
		defer a.timescale.Close()
	}

	if err := a.loadLedger(ctx); err != nil {
		return err
	}
	thresholdRules, err := a.thresholdRules(ctx)
	if err != nil {
		return err
	}
	a.threshold = strategy.NewThreshold("threshold", thresholdRules, a.log)
	a.keyword = strategy.NewKeyword("keyword", a.cfg.Strategy.KeywordRules, a.log)
	a.restoreCooldowns(ctx)

	ingesters, err := a.buildIngesters(thresholdRules)
	if err != nil {
		return err
	}

	observers := notify.NewFanout(a.log)
	if a.cfg.Telegram.Enabled {
		observers.Register(notify.NewTradeAlerts(a.alerts, a.log))
	}

	sinks := []persist.Sink{a.audit, a.store}
	if a.timescale != nil {
		sinks = append(sinks, a.timescale)
	}

	a.engine = engine.New(engine.Options{
		Ingesters:  ingesters,
		Strategies: []strategy.Strategy{a.threshold, a.keyword},
		Ledger:     a.ledger,
		Executor:   a.executor,
		Sinks:      sinks,
		Observers:  observers,
		Metrics:    a.metrics,
		Log:        a.log,
		RateLimit:  a.cfg.Engine.RateLimit,
		QueueSize:  a.cfg.Engine.QueueSize,
	})

	if a.prom != nil {
		go a.serveMetrics(ctx)
	}
	a.startOperator(ctx)

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := a.engine.Stop(stopCtx)
	a.saveCooldowns(stopCtx)
	if stopErr != nil {
		return stopErr
	}
	return ctx.Err()
}

// loadLedger seeds cash from the executor and positions from the last
// persisted snapshot.
func (a *App) loadLedger(ctx context.Context) error {
	cash, err := a.executor.Balance(ctx)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	positions, err := a.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	// Restored positions already consumed cash in a previous run.
	for _, p := range positions {
		cash = cash.Sub(p.Quantity.Mul(p.AvgEntryPrice))
	}
	if cash.IsNegative() {
		cash = decimal.Zero
	}
	a.ledger.Load(cash, positions)
	a.log.Info("ledger loaded", zap.String("cash", cash.String()), zap.Int("positions", len(positions)))
	return nil
}

// thresholdRules merges configured rules with rules synthesized from
// market discovery.
func (a *App) thresholdRules(ctx context.Context) ([]config.ThresholdRuleConfig, error) {
	rules := append([]config.ThresholdRuleConfig(nil), a.cfg.Strategy.ThresholdRules...)
	if !a.cfg.Discovery.Enabled {
		return rules, nil
	}
	finder := discovery.New(a.cfg.Discovery.BaseURL, a.cfg.Discovery.PageSize,
		a.cfg.Discovery.MaxPages, a.cfg.Discovery.Timeout, a.log)
	markets, err := finder.FindMarkets(ctx, a.cfg.Discovery.Tags)
	if err != nil {
		return nil, fmt.Errorf("market discovery: %w", err)
	}
	known := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		known[r.TokenID] = struct{}{}
	}
	for _, mkt := range markets {
		if !mkt.Active {
			continue
		}
		if _, ok := known[mkt.TokenID]; ok {
			continue
		}
		rules = append(rules, config.ThresholdRuleConfig{
			TokenID:    mkt.TokenID,
			Side:       "BUY",
			Threshold:  a.cfg.Discovery.RuleBound,
			Comparison: "below",
			Size:       a.cfg.Discovery.RuleSize,
			Cooldown:   time.Minute,
		})
	}
	return rules, nil
}

func (a *App) buildIngesters(rules []config.ThresholdRuleConfig) ([]ingest.Ingester, error) {
	var ingesters []ingest.Ingester
	if a.cfg.Feed.URL != "" {
		backoff := ingest.Backoff{
			Initial:     a.cfg.Feed.InitialBackoff,
			Max:         a.cfg.Feed.MaxBackoff,
			Multiplier:  2,
			MaxAttempts: a.cfg.Feed.MaxReconnects,
		}
		feed := ingest.NewMarketFeed("clob", a.cfg.Feed.URL, backoff, a.cfg.Feed.HeartbeatInterval, a.log)
		feed.SetReconnectCounter(a.metrics.IngesterReconnects)
		tokens := make([]string, 0, len(rules))
		for _, r := range rules {
			tokens = append(tokens, r.TokenID)
		}
		if err := feed.Subscribe(tokens...); err != nil {
			return nil, err
		}
		ingesters = append(ingesters, feed)
	}
	if len(a.cfg.News.URLs) > 0 {
		ingesters = append(ingesters, ingest.NewNewsFeed("news", a.cfg.News.URLs,
			a.cfg.News.PollInterval, a.cfg.News.SeenLimit, a.log))
	}
	a.manual = ingest.NewManual("manual", 64, a.log)
	ingesters = append(ingesters, a.manual)
	if len(ingesters) == 0 {
		return nil, errors.New("no ingesters configured")
	}
	return ingesters, nil
}

func (a *App) restoreCooldowns(ctx context.Context) {
	snapshot, ok, err := persist.LoadStrategySnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("cooldown snapshot load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if state, ok := snapshot.Cooldowns[a.threshold.Name()]; ok {
		a.threshold.RestoreCooldowns(state)
	}
	if state, ok := snapshot.Cooldowns[a.keyword.Name()]; ok {
		a.keyword.RestoreCooldowns(state)
	}
	a.log.Info("cooldowns restored", zap.Time("saved_at", snapshot.SavedAt))
}

func (a *App) saveCooldowns(ctx context.Context) {
	snapshot := persist.StrategySnapshot{
		SavedAt: time.Now().UTC(),
		Cooldowns: map[string]map[string]time.Time{
			a.threshold.Name(): a.threshold.CooldownState(),
			a.keyword.Name():   a.keyword.CooldownState(),
		},
	}
	if err := persist.SaveStrategySnapshot(ctx, a.store, snapshot); err != nil {
		a.log.Warn("cooldown snapshot save failed", zap.Error(err))
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server failed", zap.Error(err))
	}
}
