// Package app wires all Trunkline subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New connects the database, builds
// the stores, the analyzer, the notifier and the PBX handler; Run serves the
// media WebSocket and the ops endpoints until the context is cancelled; and
// Shutdown drains active calls and tears everything down in order.
//
// For testing, inject fakes via functional options (WithDirectory,
// WithLogger). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/callways/trunkline/internal/agentdir"
	"github.com/callways/trunkline/internal/analysis"
	"github.com/callways/trunkline/internal/billing"
	"github.com/callways/trunkline/internal/calllog"
	"github.com/callways/trunkline/internal/config"
	"github.com/callways/trunkline/internal/dialogue"
	"github.com/callways/trunkline/internal/dispatch"
	"github.com/callways/trunkline/internal/health"
	"github.com/callways/trunkline/internal/notify"
	"github.com/callways/trunkline/internal/observe"
	"github.com/callways/trunkline/internal/pbx"
	"github.com/callways/trunkline/pkg/provider/asr"
	"github.com/callways/trunkline/pkg/provider/embeddings"
	"github.com/callways/trunkline/pkg/provider/llm"
	"github.com/callways/trunkline/pkg/provider/tts"
	"github.com/callways/trunkline/pkg/types"
)

// readHeaderTimeout bounds the HTTP handshake on both servers. It does not
// apply once a media connection is hijacked for WebSocket traffic.
const readHeaderTimeout = 10 * time.Second

// listenerStopTimeout bounds closing the HTTP listeners once the run context
// is cancelled. Active calls are not part of this budget; they drain in
// [App.Shutdown].
const listenerStopTimeout = 5 * time.Second

// Providers holds one interface value per pipeline slot. ASR, LLM and TTS
// are required; the rest are optional. Populated by main via the config
// registry, with resilience wrappers already applied.
type Providers struct {
	ASR asr.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Embeddings indexes call summaries for similar-call search. Nil skips
	// the embedding step.
	Embeddings embeddings.Provider

	// AnalysisLLM, when set, runs the end-of-call classification instead of
	// LLM. Lets a cheaper or larger model own the offline work.
	AnalysisLLM llm.Provider
}

// App owns all subsystem lifetimes of the Trunkline gateway.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	pool     *pgxpool.Pool
	agents   agentdir.Directory
	batcher  *calllog.Batcher
	notifier *notify.Notifier
	handler  *pbx.Handler

	mediaServer *http.Server
	opsServer   *http.Server

	mu        sync.Mutex
	mediaAddr string
	opsAddr   string

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDirectory injects an agent directory instead of building one from the
// database and the agents file.
func WithDirectory(d agentdir.Directory) Option {
	return func(a *App) { a.agents = d }
}

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// New wires the gateway from config: database pool, agent directory, credit
// ledger, call log, analyzer, notifier and the PBX handler, plus the two
// HTTP servers Run listens with. The providers struct comes from main,
// already wrapped in their fallback groups.
//
// Without a database DSN the gateway still takes calls: billing admits
// every call and call records are dropped (offline mode).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (app *App, err error) {
	if providers == nil {
		return nil, errors.New("app: nil providers")
	}
	switch {
	case providers.ASR == nil:
		return nil, errors.New("app: no ASR provider configured")
	case providers.LLM == nil:
		return nil, errors.New("app: no LLM provider configured")
	case providers.TTS == nil:
		return nil, errors.New("app: no TTS provider configured")
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	defer func() {
		if err != nil && a.pool != nil {
			a.pool.Close()
		}
	}()

	// Database. Everything persistent hangs off one pool with pgvector
	// types registered per connection.
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		a.pool, err = openPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
	}

	// Agent directory: database first, YAML file as fallback.
	if a.agents == nil {
		a.agents, err = a.buildDirectory(ctx)
		if err != nil {
			return nil, err
		}
	}

	// Credit ledger and call log. Offline stand-ins keep the voice leg
	// alive when no database is configured.
	var (
		gate    pbx.CreditGate
		ledger  analysis.CreditLedger
		creator pbx.CallCreator
		live    pbx.LiveSink
		calls   analysis.CallStore
		search  calllog.SimilarSearcher
	)
	if a.pool != nil {
		l := billing.NewLedger(a.pool, billing.WithSecondsPerCredit(cfg.Billing.SecondsPerCredit))
		if err := l.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("app: migrate billing: %w", err)
		}
		store := calllog.NewStore(a.pool)
		if err := store.Migrate(ctx, cfg.Database.EmbeddingDimensions); err != nil {
			return nil, fmt.Errorf("app: migrate call log: %w", err)
		}
		a.batcher = calllog.NewBatcher(store, calllog.WithBatcherLogger(a.logger))
		gate, ledger = l, l
		creator, live, calls, search = store, a.batcher, store, store
	} else {
		off := newOfflineLedger(cfg.Billing.SecondsPerCredit)
		gate, ledger = off, off
		creator, calls = offlineCallLog{}, offlineCallLog{}
	}

	// End-of-call analyzer. The embedder is only wired when there is a
	// store to index into.
	analysisLLM := providers.AnalysisLLM
	if analysisLLM == nil {
		analysisLLM = providers.LLM
	}
	var embedder embeddings.Provider
	if a.pool != nil {
		embedder = providers.Embeddings
	}
	analyzer, err := analysis.New(analysis.Deps{
		LLM:       analysisLLM,
		Calls:     calls,
		Ledger:    ledger,
		Messenger: dispatch.NewClient(),
		Embedder:  embedder,
		Logger:    a.logger,
	}, analysis.Config{
		DisableSummary: cfg.Analysis.DisableSummary,
		MaxConcurrent:  cfg.Analysis.MaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build analyzer: %w", err)
	}

	// Ops notifier. A nil notifier is inert, so the hook below is wired
	// unconditionally.
	if d := cfg.Notifications.Discord; d != nil {
		a.notifier, err = notify.New(notify.Config{
			Token:               d.Token,
			ChannelID:           d.ChannelID,
			LowBalanceThreshold: cfg.Billing.LowBalanceThreshold,
			Logger:              a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("app: connect notifier: %w", err)
		}
	}

	a.handler, err = pbx.New(pbx.Deps{
		Agents:     a.agents,
		ASR:        providers.ASR,
		LLM:        providers.LLM,
		TTS:        providers.TTS,
		Credits:    gate,
		Calls:      creator,
		Live:       live,
		Analyzer:   analyzer,
		OnAnalyzed: a.notifier.CallAnalyzed,
		Logger:     a.logger,
	}, pbx.Config{
		Media: types.MediaFormat{
			Encoding:   cfg.PBX.Encoding,
			SampleRate: cfg.PBX.SampleRate,
			Channels:   1,
		},
		ASRSampleRate: cfg.PBX.ASRSampleRate,
		Dialogue:      dialogueConfig(cfg.Pipeline),
	})
	if err != nil {
		return nil, fmt.Errorf("app: build pbx handler: %w", err)
	}

	a.mediaServer = &http.Server{
		Handler:           a.mediaMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.opsServer = &http.Server{
		Handler:           observe.Middleware(observe.DefaultMetrics())(a.opsMux(search)),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// openPool connects a pgx pool with pgvector types registered on every
// connection, so embedding columns scan into pgvector.Vector values.
func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("app: parse dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("app: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: ping database: %w", err)
	}
	return pool, nil
}

// buildDirectory assembles the agent lookup chain: the database store when a
// pool exists, then the YAML file directory. Config validation guarantees at
// least one source unless a directory was injected.
func (a *App) buildDirectory(ctx context.Context) (agentdir.Directory, error) {
	var chain agentdir.Chain
	if a.pool != nil {
		pg := agentdir.NewPostgresStore(a.pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("app: migrate agent directory: %w", err)
		}
		chain = append(chain, pg)
	}
	if a.cfg.AgentsFile != "" {
		fd, err := agentdir.NewFileDirectory(a.cfg.AgentsFile, agentdir.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("app: open agents file: %w", err)
		}
		chain = append(chain, fd)
	}
	switch len(chain) {
	case 0:
		return nil, errors.New("app: no agent directory source configured")
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

// mediaMux routes the PBX-facing WebSocket endpoint.
func (a *App) mediaMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.MediaPath, a.handler)
	return mux
}

// opsMux routes the operational endpoints: probes, metrics and the
// similar-call search when a store exists.
func (a *App) opsMux(search calllog.SimilarSearcher) *http.ServeMux {
	var checks []health.Checker
	if pool := a.pool; pool != nil {
		checks = append(checks, health.Checker{
			Name:  "database",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
	}
	checks = append(checks, health.Checker{Name: "providers", Check: a.checkProviders})

	mux := http.NewServeMux()
	health.New(checks, health.WithActiveCalls(a.handler.ActiveCalls)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if search != nil {
		calllog.NewHTTPHandler(search, a.logger).Register(mux)
	}
	return mux
}

// checkProviders is the readiness wiring assert: every pipeline slot the
// gateway cannot run without must be populated.
func (a *App) checkProviders(context.Context) error {
	switch {
	case a.providers.ASR == nil:
		return errors.New("asr provider missing")
	case a.providers.LLM == nil:
		return errors.New("llm provider missing")
	case a.providers.TTS == nil:
		return errors.New("tts provider missing")
	}
	return nil
}

// ----------------------------------------------------------------------------

// Run binds the media and ops listeners and serves until ctx is cancelled or
// a server fails. Cancellation stops the listeners; active calls keep
// running until [App.Shutdown] drains them.
func (a *App) Run(ctx context.Context) error {
	mediaLn, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen media %s: %w", a.cfg.Server.ListenAddr, err)
	}
	opsLn, err := net.Listen("tcp", a.cfg.Server.OpsAddr)
	if err != nil {
		mediaLn.Close()
		return fmt.Errorf("app: listen ops %s: %w", a.cfg.Server.OpsAddr, err)
	}

	a.mu.Lock()
	a.mediaAddr = mediaLn.Addr().String()
	a.opsAddr = opsLn.Addr().String()
	a.mu.Unlock()

	a.logger.Info("gateway listening",
		"media_addr", mediaLn.Addr().String(),
		"media_path", a.cfg.Server.MediaPath,
		"ops_addr", opsLn.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = a.mediaServer.ServeTLS(mediaLn, t.CertFile, t.KeyFile)
		} else {
			err = a.mediaServer.Serve(mediaLn)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: media server: %w", err)
	})
	g.Go(func() error {
		err := a.opsServer.Serve(opsLn)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: ops server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting. Hijacked media sockets are unaffected; they
		// drain in Shutdown.
		stopCtx, cancel := context.WithTimeout(context.Background(), listenerStopTimeout)
		defer cancel()
		_ = a.mediaServer.Shutdown(stopCtx)
		_ = a.opsServer.Shutdown(stopCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// MediaAddr returns the bound media listener address once Run has started.
func (a *App) MediaAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mediaAddr
}

// OpsAddr returns the bound ops listener address once Run has started.
func (a *App) OpsAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opsAddr
}

// ----------------------------------------------------------------------------

// Shutdown drains the gateway in dependency order: active calls first (the
// analyzer still needs the ledger and the call log), then the live-record
// batcher, the notifier, and finally the database pool. It respects ctx;
// steps that overrun are logged and abandoned, not retried.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "active_calls", a.handler.ActiveCalls())

		if err := a.handler.Shutdown(ctx); err != nil {
			a.logger.Warn("call drain incomplete", "error", err)
			errs = append(errs, err)
		}
		if a.batcher != nil {
			if err := a.batcher.Close(ctx); err != nil {
				a.logger.Warn("live record flush failed", "error", err)
				errs = append(errs, err)
			}
		}
		if err := a.notifier.Close(ctx); err != nil {
			a.logger.Warn("notifier close failed", "error", err)
			errs = append(errs, err)
		}
		if a.pool != nil {
			a.pool.Close()
		}

		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// ----------------------------------------------------------------------------

// dialogueConfig maps the pipeline config section onto the dialogue knobs.
// Zero fields keep the dialogue package defaults.
func dialogueConfig(p config.PipelineConfig) dialogue.Config {
	return dialogue.Config{
		HistoryWindow:         p.HistoryWindow,
		MaxResponseTokens:     p.MaxResponseTokens,
		BargeInMinWords:       p.BargeInMinWords,
		BargeInMinConfidence:  p.BargeInMinConfidence,
		SentenceGrace:         time.Duration(p.SentenceCompletionMS) * time.Millisecond,
		FrameInterval:         time.Duration(p.FrameIntervalMS) * time.Millisecond,
		PriorityFrameInterval: time.Duration(p.PriorityFrameIntervalMS) * time.Millisecond,
		UtteranceGap:          time.Duration(p.UtteranceGapMS) * time.Millisecond,
	}
}
