package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ricaherr/aethelgard/internal/asset"
	"github.com/ricaherr/aethelgard/internal/broker"
	"github.com/ricaherr/aethelgard/internal/closure"
	"github.com/ricaherr/aethelgard/internal/coherence"
	"github.com/ricaherr/aethelgard/internal/config"
	"github.com/ricaherr/aethelgard/internal/control"
	"github.com/ricaherr/aethelgard/internal/executor"
	"github.com/ricaherr/aethelgard/internal/jury"
	"github.com/ricaherr/aethelgard/internal/market"
	"github.com/ricaherr/aethelgard/internal/metrics"
	"github.com/ricaherr/aethelgard/internal/notify"
	"github.com/ricaherr/aethelgard/internal/position"
	"github.com/ricaherr/aethelgard/internal/regime"
	"github.com/ricaherr/aethelgard/internal/risk"
	"github.com/ricaherr/aethelgard/internal/scanner"
	"github.com/ricaherr/aethelgard/internal/signal"
	"github.com/ricaherr/aethelgard/internal/store"
	"github.com/ricaherr/aethelgard/internal/strategy"
	"github.com/ricaherr/aethelgard/internal/tuner"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              AETHELGARD - AUTONOMOUS TRADING CORE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	path := os.Getenv("AETHELGARD_CONFIG")
	if path == "" {
		path = "configs/aethelgard.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("🚨 Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("🚨 Invalid config")
	}
	applyLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage (single write path for all modules)
	db, err := store.Open(cfg.Store.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.Store.DSN).Msg("🚨 Failed to open store")
	}
	if err := db.Seed(ctx, paperEquity(), cfg.Risk.PerTradeRiskPct, cfg.Risk.MaxAccountRiskPct); err != nil {
		log.Fatal().Err(err).Msg("🚨 Failed to seed store")
	}
	if swept, err := db.FailStaleOpeningMetadata(ctx, time.Now()); err != nil {
		log.Fatal().Err(err).Msg("🚨 Orphaned metadata sweep failed")
	} else if swept > 0 {
		log.Warn().Int64("count", swept).Msg("⚠️ Orphaned OPENING metadata from previous run marked FAILED")
	}
	log.Info().Msg("✅ Storage layer initialized")

	// 2. Notification fanout. Chat/email transports live outside the
	// core; they implement notify.Notifier and get added here.
	fanout := notify.NewFanout(64)
	fanout.Add(notify.LogNotifier{})
	fanout.Start()
	log.Info().Msg("✅ Notification fanout initialized")

	// 3. Market data (REST candles, optional websocket tick cache)
	rest := market.NewRESTProvider(market.RESTConfig{
		BaseURL:    cfg.Market.BaseURL,
		Timeout:    cfg.Scanner.ProviderTimeout,
		BurstLimit: cfg.Market.BurstLimit,
		RefillRate: cfg.Market.RefillRate,
	})
	var provider market.DataProvider = rest
	var stream *market.Stream
	if cfg.Market.StreamEnabled {
		stream = market.NewStream(market.StreamConfig{
			URL:     cfg.Market.WSURL,
			Symbols: instrumentSymbols(cfg.Instruments),
		})
		stream.Start()
		provider = market.TickFirst(rest, stream)
		log.Info().Str("url", cfg.Market.WSURL).Msg("✅ Market data initialized (stream + REST)")
	} else {
		log.Info().Str("url", cfg.Market.BaseURL).Msg("✅ Market data initialized (REST)")
	}

	// 4. Broker connector
	brokers := broker.NewRegistry()
	paper := broker.NewPaper(provider, paperEquity(), "USD")
	for _, inst := range cfg.Instruments {
		if inst.Enabled {
			paper.SeedSymbol(defaultSymbolInfo(asset.Normalize(inst.Symbol)))
		}
	}
	if err := brokers.Register(broker.WithBreaker(paper, breakerConfig(cfg.Broker))); err != nil {
		log.Fatal().Err(err).Msg("🚨 Failed to register connector")
	}
	if cfg.Mode == "live" && cfg.Broker.Connector == "paper" {
		log.Fatal().Msg("🚨 Live mode needs a real broker connector, refusing to start trading")
	}
	conn, ok := brokers.Get(cfg.Broker.Connector)
	if !ok {
		log.Fatal().Str("connector", cfg.Broker.Connector).Strs("registered", brokers.Names()).
			Msg("🚨 Connector not registered, refusing to start trading")
	}
	if err := conn.Initialize(ctx); err != nil {
		// The core still starts: signals queue as PENDING and the
		// reconciliation pass catches up once the broker returns.
		log.Warn().Err(err).Msg("⚠️ Broker offline, starting degraded")
	} else if acct, err := conn.AccountInfo(ctx); err == nil {
		if err := db.UpdateEquity(ctx, acct.Equity); err != nil {
			log.Warn().Err(err).Msg("⚠️ Equity refresh failed")
		}
	}
	log.Info().Str("connector", conn.Name()).Msg("✅ Broker connector initialized")

	// 5. Asset profiles. A traded symbol without a profile disables
	// trading: the core still boots, classifies and audits so the
	// operator can diagnose, but no orders leave the process.
	instruments, err := scanner.InstrumentsFromConfig(cfg.Instruments)
	if err != nil {
		log.Fatal().Err(err).Msg("🚨 Invalid instrument config")
	}
	profiles := asset.NewRegistry()
	readOnly := false
	if err := syncProfiles(ctx, db, conn, profiles, instruments); err != nil {
		readOnly = true
		log.Error().Err(err).Msg("🚨 Asset profiles incomplete, running READ-ONLY until repaired")
	} else {
		log.Info().Int("count", profiles.Count()).Msg("✅ Asset profiles loaded")
	}

	// 6. Risk layer (one sizer shared by executor and position manager)
	riskMgr := risk.NewManager(db, cfg.Risk)
	sizer := risk.NewSizer(conn, cfg.Risk.OvershootTolerance)
	log.Info().Msg("✅ Risk layer initialized")

	// 7. Strategies
	strategies := strategy.NewRegistry()
	for _, s := range []strategy.Strategy{
		strategy.NewTrendRider(),
		strategy.NewSqueezeBreak(),
		strategy.NewRangeFader(),
	} {
		if err := strategies.Register(s); err != nil {
			log.Fatal().Err(err).Msg("🚨 Strategy registration failed")
		}
	}
	log.Info().Int("count", 3).Msg("✅ Strategies loaded")

	// 8. Shadow jury
	jry := jury.New(db, cfg.Jury)
	recorder := jury.NewRecorder(db, provider)
	log.Info().Msg("✅ Shadow jury initialized")

	// 9. Coherence monitor
	monitor := coherence.NewMonitor(db, fanout)
	log.Info().Msg("✅ Coherence monitor initialized")

	// 10. Signal factory
	factory := signal.NewFactory(strategies, strategy.NewTrifecta(), profiles, db, jry, monitor, fanout)
	log.Info().Msg("✅ Signal factory initialized")

	// 11. Execution layer
	exec := executor.New(db, conn, riskMgr, sizer, profiles, fanout, cfg.Risk)
	log.Info().Msg("✅ Execution layer initialized")

	// 12. Position manager
	regimes := regime.NewCache()
	positions := position.New(db, conn, sizer, profiles, regimes, cfg.Position)
	log.Info().Msg("✅ Position manager initialized")

	// 13. Closure listener + edge tuner
	tun := tuner.New(db, cfg.Tuner)
	listener := closure.NewListener(db, riskMgr, tun, fanout, cfg.Tuner)
	if missed, err := conn.ReconcileClosedTrades(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		log.Warn().Err(err).Msg("⚠️ Closed-trade reconciliation failed, will rely on live events")
	} else {
		for _, ev := range missed {
			if err := listener.HandleTradeClosed(ctx, ev); err != nil {
				log.Error().Err(err).Str("ticket", ev.Ticket).Msg("⚠️ Failed to replay closed trade")
			}
		}
		if len(missed) > 0 {
			log.Info().Int("count", len(missed)).Msg("🔄 Replayed closed trades from broker history")
		}
	}
	go func() {
		if err := listener.Run(ctx, conn.Events()); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("🚨 Closure listener stopped")
		}
	}()
	log.Info().Msg("✅ Closure listener initialized")

	// 14. Metrics
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr)
		metricsSrv.Start()
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("✅ Metrics listener initialized")
	}

	// 15. Scanner. Read-only mode leaves the execution and supervision
	// stages out so nothing can reach the broker.
	deps := scanner.Deps{
		DB:        db,
		Provider:  provider,
		Factory:   factory,
		Executor:  exec,
		Recorder:  recorder,
		Positions: positions,
		Monitor:   monitor,
		Regimes:   regimes,
		Notifier:  fanout,
	}
	if readOnly {
		deps.Executor = nil
		deps.Positions = nil
	}
	sc := scanner.New(deps, instruments, cfg.Scanner)
	log.Info().Int("instruments", len(instruments)).Msg("✅ Scanner initialized")

	// 16. Control surface
	ctlExec := exec
	if readOnly {
		ctlExec = nil
	}
	surface := control.New(db, conn, ctlExec, regimes, sc, fanout, cfg.Tuner)
	log.Info().Msg("✅ Control surface initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// PRINT CONFIG
	// ═══════════════════════════════════════════════════════════════════════════════

	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════════════════════════╗")
	log.Info().Msg("║              🧠 AETHELGARD AUTONOMOUS TRADING CORE           ║")
	log.Info().Msg("╠══════════════════════════════════════════════════════════════╣")
	modeLabel := strings.ToUpper(cfg.Mode)
	if readOnly {
		modeLabel += " (READ-ONLY)"
	}
	log.Info().Msgf("║  Mode: %-52s  ║", modeLabel)
	log.Info().Msgf("║  Connector: %-47s  ║", conn.Name())
	log.Info().Msgf("║  Instruments: %-45d  ║", len(instruments))
	log.Info().Msgf("║  Scan interval: %-43s  ║", cfg.Scanner.Interval)
	log.Info().Msgf("║  Workers: %-49d  ║", cfg.Scanner.Workers)
	log.Info().Msgf("║  Risk per trade: %-41s  ║", fmt.Sprintf("%.2f%%", cfg.Risk.PerTradeRiskPct))
	log.Info().Msgf("║  Lockdown after: %-41s  ║", fmt.Sprintf("%d consecutive losses", cfg.Risk.MaxConsecutiveLosses))
	log.Info().Msgf("║  Shadow promote: %-41s  ║", fmt.Sprintf("%.0f%% win rate over %d trades", cfg.Jury.PromoteWinRate*100, cfg.Jury.PromoteMinTrades))
	log.Info().Msg("╚══════════════════════════════════════════════════════════════╝")
	log.Info().Msg("")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	scanErr := make(chan error, 1)
	go func() { scanErr <- sc.Run(ctx) }()
	go statusLoop(ctx, surface)

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	cancel()

	select {
	case <-scanErr:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("⚠️ Scanner did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if stream != nil {
		stream.Stop()
	}
	if err := conn.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Broker shutdown failed")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("⚠️ Metrics shutdown failed")
		}
	}
	fanout.Stop()
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Store close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}

// applyLogging reapplies level and output format once the config is
// known; until then the bootstrap default (pretty, info) is in effect.
func applyLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if os.Getenv("DEBUG") == "true" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Pretty {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// paperEquity reads the simulated account size from the environment.
func paperEquity() decimal.Decimal {
	raw := os.Getenv("AETHELGARD_PAPER_EQUITY")
	if raw == "" {
		return decimal.NewFromInt(10000)
	}
	eq, err := decimal.NewFromString(raw)
	if err != nil || !eq.IsPositive() {
		log.Warn().Str("value", raw).Msg("⚠️ Invalid AETHELGARD_PAPER_EQUITY, using 10000")
		return decimal.NewFromInt(10000)
	}
	return eq
}

func instrumentSymbols(in []config.InstrumentConfig) []string {
	var out []string
	for _, inst := range in {
		if inst.Enabled {
			out = append(out, asset.Normalize(inst.Symbol))
		}
	}
	return out
}

func breakerConfig(cfg config.BrokerConfig) broker.BreakerConfig {
	return broker.BreakerConfig{
		MaxRequests:  cfg.BreakerMaxReqs,
		Interval:     cfg.BreakerInterval,
		Timeout:      cfg.BreakerTimeout,
		MinRequests:  cfg.BreakerMinReqs,
		FailureRatio: cfg.BreakerFailRatio,
	}
}

// defaultSymbolInfo fabricates paper-broker contract specs for one
// instrument, mirroring common retail conventions. Live connectors
// report real numbers and the profile sync stores those instead.
func defaultSymbolInfo(symbol string) broker.SymbolInfo {
	info := broker.SymbolInfo{
		Symbol:     symbol,
		VolumeStep: decimal.NewFromFloat(0.01),
		MinVolume:  decimal.NewFromFloat(0.01),
		Visible:    true,
	}
	switch asset.ClassFor(symbol) {
	case asset.ClassMetal:
		info.ContractSize = decimal.NewFromInt(100)
		info.TickSize = decimal.NewFromFloat(0.01)
		info.Digits = 2
	case asset.ClassCrypto:
		info.ContractSize = decimal.NewFromInt(1)
		info.TickSize = decimal.NewFromFloat(0.01)
		info.Digits = 2
	case asset.ClassIndex:
		info.ContractSize = decimal.NewFromInt(10)
		info.TickSize = decimal.NewFromFloat(0.1)
		info.Digits = 1
	default:
		info.ContractSize = decimal.NewFromInt(100000)
		if strings.HasSuffix(symbol, "JPY") {
			info.TickSize = decimal.NewFromFloat(0.001)
			info.Digits = 3
		} else {
			info.TickSize = decimal.NewFromFloat(0.00001)
			info.Digits = 5
		}
	}
	return info
}

// syncProfiles loads stored asset profiles and fills gaps from the
// broker. A traded symbol with neither a stored profile nor a broker
// answer is a fatal misconfiguration.
func syncProfiles(ctx context.Context, db *store.Store, conn broker.Connector, profiles *asset.Registry, instruments []scanner.Instrument) error {
	stored, err := db.AssetProfiles(ctx)
	if err != nil {
		return err
	}
	for _, p := range stored {
		profiles.Put(p)
	}
	for _, inst := range instruments {
		if profiles.Has(inst.Symbol) {
			continue
		}
		info, err := conn.SymbolInfo(ctx, inst.Symbol)
		if err != nil {
			return fmt.Errorf("no stored profile for %s and broker lookup failed: %w", inst.Symbol, err)
		}
		prof := &asset.Profile{
			Symbol:       inst.Symbol,
			Class:        asset.ClassFor(inst.Symbol),
			ContractSize: info.ContractSize,
			TickSize:     info.TickSize,
			Digits:       info.Digits,
			PipSize:      pipFor(info),
			FreezeLevel:  info.FreezeLevel,
			Enabled:      true,
		}
		if err := db.UpsertAssetProfile(ctx, prof); err != nil {
			return err
		}
		profiles.Put(prof)
		log.Info().Str("symbol", inst.Symbol).Str("class", string(prof.Class)).Msg("📡 Asset profile synced from broker")
	}
	return nil
}

// pipFor derives display pip size from broker constants: fractional
// quotes (5 or 3 digits) price in tenths of a pip.
func pipFor(info broker.SymbolInfo) decimal.Decimal {
	if info.Digits == 5 || info.Digits == 3 {
		return info.TickSize.Mul(decimal.NewFromInt(10))
	}
	return info.TickSize
}

// statusLoop logs a periodic ops snapshot through the control surface.
func statusLoop(ctx context.Context, surface *control.Surface) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			health := surface.Health(now)
			rs, err := surface.RiskStatus(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("⚠️ Status snapshot failed")
				continue
			}
			level := zerolog.InfoLevel
			if health.Fault || rs.Lockdown {
				level = zerolog.WarnLevel
			}
			log.WithLevel(level).
				Str("equity", rs.Equity.StringFixed(2)).
				Int("loss_streak", rs.ConsecutiveLosses).
				Bool("lockdown", rs.Lockdown).
				Dur("heartbeat_age", health.HeartbeatAge).
				Int("stale_symbols", len(health.StaleSymbols)).
				Msg("📊 Status")
		}
	}
}
