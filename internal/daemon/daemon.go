// Package daemon serves the analytics chat over HTTP and owns the long-lived
// pieces behind it: the model provider, the credential sources, the backend
// client pool, the request journal and the event stream.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nous-labs/analyst/internal/chat"
	"github.com/nous-labs/analyst/internal/llm"
	"github.com/nous-labs/analyst/internal/tools"
	"github.com/nous-labs/analyst/pkg/analysis"
	"github.com/nous-labs/analyst/pkg/backend"
	"github.com/nous-labs/analyst/pkg/credentials"
	"github.com/nous-labs/analyst/pkg/journal"
	"github.com/nous-labs/analyst/pkg/pool"
)

// Deps overrides components New would otherwise build from the config.
type Deps struct {
	Provider    llm.ToolProvider
	Credentials credentials.Store
	Factory     backend.Factory
}

type Daemon struct {
	Config *Config
	Events *EventBus

	chat     *chat.Orchestrator
	pool     *pool.Pool
	creds    credentials.Store
	files    *credentials.FileStore
	pg       *credentials.PostgresStore
	journal  *journal.Journal
	retainer *journal.Retainer
	fallback func(question string, s analysis.Snapshot) (answer, rule string)

	startedAt  time.Time
	healthyMu  sync.RWMutex
	healthy    bool
	httpServer *http.Server
	closeOnce  sync.Once
}

// New builds the daemon from cfg. Components set in deps are used as given.
func New(cfg *Config, deps Deps) (*Daemon, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		Config:    cfg,
		Events:    NewEventBus(),
		fallback:  analysis.Fallback,
		startedAt: time.Now(),
	}

	provider := deps.Provider
	if provider == nil {
		if cfg.LLM.APIKey == "" {
			slog.Warn("no model API key configured, chat requests will use the fallback analyzer")
		}
		provider = llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			BaseURL:        cfg.LLM.BaseURL,
			MaxRetries:     cfg.LLM.MaxRetries,
			RequestTimeout: duration(cfg.Chat.RequestTimeout),
		})
	}

	d.creds = deps.Credentials
	if d.creds == nil {
		if err := d.initCredentials(); err != nil {
			return nil, err
		}
	}

	factory := deps.Factory
	if factory == nil {
		factory = backend.NewHTTPFactory(backend.HTTPConfig{
			BaseURL:            cfg.Backend.BaseURL,
			Revision:           cfg.Backend.Revision,
			ConversionMetricID: cfg.Backend.ConversionMetricID,
			Timeframe:          cfg.Backend.Timeframe,
			Timeout:            duration(cfg.Backend.Timeout),
		})
	}
	d.pool = pool.New(factory, pool.Options{
		MaxSize: cfg.Pool.MaxSize,
		TTL:     duration(cfg.Pool.TTL),
	})

	registry := tools.NewAnalyticsRegistry(tools.Options{
		Timeout:     duration(cfg.Chat.ToolTimeout),
		Concurrency: cfg.Chat.ToolConcurrency,
	})

	orch, err := chat.New(chat.Config{
		Provider:       provider,
		Tools:          registry,
		Credentials:    d.creds,
		Pool:           d.pool,
		MaxToolTurns:   cfg.Chat.MaxToolTurns,
		RequestTimeout: duration(cfg.Chat.RequestTimeout),
		Model:          cfg.LLM.Model,
		MaxTokens:      cfg.LLM.MaxOutput,
		Temperature:    cfg.LLM.Temperature,
		SystemPrompt:   cfg.Chat.SystemPrompt,
		OnEvent: func(typ, msg string) {
			d.Events.Publish(Event{Type: typ, Message: msg})
		},
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	d.chat = orch

	d.initJournal()
	return d, nil
}

// initCredentials builds the credential chain: static map, then file, then
// Postgres when configured.
func (d *Daemon) initCredentials() error {
	cfg := d.Config.Credentials
	var chain credentials.Chain
	if len(cfg.Static) > 0 {
		chain = append(chain, credentials.Static(cfg.Static))
	}
	if cfg.File != "" {
		fs, err := credentials.NewFileStore(cfg.File)
		if err != nil {
			return fmt.Errorf("load credentials file: %w", err)
		}
		d.files = fs
		chain = append(chain, fs)
	}
	if cfg.PostgresURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pg, err := credentials.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			slog.Warn("postgres credential store unavailable", "error", err)
		} else if err := pg.Init(ctx); err != nil {
			slog.Warn("postgres credential store init failed", "error", err)
			pg.Close()
		} else {
			d.pg = pg
			chain = append(chain, pg)
		}
	}
	d.creds = chain
	return nil
}

func (d *Daemon) initJournal() {
	cfg := d.Config.Journal
	if cfg.Disabled || cfg.Path == "" {
		return
	}
	j, err := journal.Open(cfg.Path)
	if err != nil {
		slog.Warn("request journal unavailable", "path", cfg.Path, "error", err)
		return
	}
	d.journal = j
	d.retainer = journal.NewRetainer(j, func(typ, msg string) {
		d.Events.Publish(Event{Type: EventJournal, Message: msg})
	}, journal.RetentionConfig{
		Interval:  duration(cfg.PruneInterval),
		Retention: duration(cfg.Retention),
	})
}

// ReloadCredentials re-reads the credentials file and drops pooled clients so
// rotated secrets take effect on the next request.
func (d *Daemon) ReloadCredentials() error {
	if d.files == nil {
		return nil
	}
	if err := d.files.Reload(); err != nil {
		return err
	}
	d.pool.Purge()
	slog.Info("credentials reloaded", "refs", len(d.files.Refs()))
	d.Events.Publish(Event{Type: EventStatus, Message: "credentials reloaded"})
	return nil
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	v := d.healthy
	d.healthyMu.RUnlock()
	return v
}

// Handler returns the HTTP routes.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/chat", d.handleChat)
	mux.HandleFunc("/v1/events", d.handleEvents)
	mux.HandleFunc("/v1/journal", d.handleJournal)
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down and releases
// everything the daemon owns.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Close()

	if d.retainer != nil {
		go d.retainer.Run(ctx)
	}

	d.httpServer = &http.Server{
		Addr:              d.Config.HTTPAddr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		err := d.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("http server listening", "addr", d.Config.HTTPAddr)
	d.setHealthy(true)
	d.Events.Publish(Event{Type: EventStatus, Message: "started", Level: "info"})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.setHealthy(false)
		return err
	}

	d.setHealthy(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	return nil
}

// Close releases pooled clients, the journal and the Postgres pool.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		if d.pool != nil {
			d.pool.Purge()
		}
		if d.journal != nil {
			if err := d.journal.Close(); err != nil {
				slog.Warn("journal close", "error", err)
			}
		}
		if d.pg != nil {
			d.pg.Close()
		}
	})
}
