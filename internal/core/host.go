// Package core wires configuration, storage, the repository, the edit
// session registry and the entity database into one running Host.
package core

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"schemahub/internal/auth"
	"schemahub/internal/blob"
	"schemahub/internal/config"
	"schemahub/internal/data"
	"schemahub/internal/domains"
	"schemahub/internal/events"
	"schemahub/internal/logging"
	"schemahub/internal/repository"
	"schemahub/pkg/domain"
)

// Options carries collaborators that are not described by the config file.
type Options struct {
	// Logger defaults to a logger built from cfg.Log.
	Logger *zap.Logger
	// Metrics defaults to a fresh recorder.
	Metrics *Metrics
	// Blobs and State replace the configured drivers when set.
	Blobs blob.Store
	State domain.StateStore
	// Sink receives every notification after it has been logged.
	Sink events.Sink
}

// Host is one running schemahub database with its stores.
type Host struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	metrics  *Metrics
	blobs    blob.Store
	state    domain.StateStore
	signer   *auth.Signer
	policy   *auth.Policy
	registry *domains.Registry
	repo     *repository.Repository
	db       *data.DataBase
	sink     *events.AsyncSink
}

// Open builds a Host from cfg. Edit sessions journaled by a previous process
// are restored before Open returns.
func Open(ctx context.Context, cfg config.Config, opts Options) (*Host, error) {
	cfg = cfg.Clone()
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
	}
	h := &Host{
		cfg:     cfg,
		log:     logger.Named(logging.ComponentHost).Sugar(),
		metrics: opts.Metrics,
		blobs:   opts.Blobs,
		state:   opts.State,
	}
	if h.metrics == nil {
		h.metrics = NewMetrics()
	}

	rules, err := BuildRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	h.signer, err = auth.NewSigner([]byte(cfg.Auth.SigningKey), cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}
	h.policy = BuildPolicy(cfg.Auth)

	if h.blobs == nil {
		if h.blobs, err = OpenBlobStore(ctx, cfg.Blob); err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
	}
	if h.state == nil {
		if h.state, err = OpenStateStore(ctx, cfg.Storage); err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
	}

	h.repo, err = repository.Open(ctx, repository.Options{
		Name:          cfg.Database.Name,
		Blobs:         h.blobs,
		State:         h.state,
		Logger:        logger.Named(logging.ComponentRepository).Sugar(),
		QueueObserver: h.metrics.ObserveQueue,
		LockObserver:  h.metrics.ObserveLocks,
	})
	if err != nil {
		_ = h.state.Close()
		return nil, err
	}
	h.registry = domains.NewRegistry(h.state, logger.Named(logging.ComponentDomains).Sugar(), h.metrics.ObserveActiveDomains)

	h.sink = events.NewAsyncSink(events.Fanout{
		events.LogSink{Log: logger.Named(logging.ComponentEvents).Sugar()},
		opts.Sink,
	}, 0, logger.Named(logging.ComponentEvents).Sugar())

	h.db, err = data.Open(ctx, data.Options{
		Name:          cfg.Database.Name,
		Repository:    h.repo,
		Registry:      h.registry,
		Policy:        h.policy,
		System:        h.signer.System(),
		Rules:         rules,
		Sink:          h.sink,
		Logger:        logger.Named(logging.ComponentDataBase).Sugar(),
		Observer:      h.metrics,
		QueueObserver: h.metrics.ObserveQueue,
	})
	if err != nil {
		_ = h.sink.Stop(ctx)
		_ = h.repo.Close(ctx)
		_ = h.state.Close()
		return nil, err
	}
	h.log.Infow("host started", "database", cfg.Database.Name, "storage", cfg.Storage.Driver, "blob", h.blobs.Driver())
	return h, nil
}

// BuildRules returns the built-in integrity rules followed by the configured
// expression rules.
func BuildRules(cfg config.RulesConfig) (*domain.RulesEngine, error) {
	engine := domain.NewRulesEngine(data.DefaultRules()...)
	for _, r := range cfg.Expressions {
		rule, err := data.CompileExprRule(data.ExprRule{
			Name:       r.Name,
			Entity:     domain.EntityKind(r.Entity),
			Expression: r.Expression,
			Message:    r.Message,
			Severity:   domain.ParseSeverity(r.Severity),
		})
		if err != nil {
			return nil, err
		}
		engine.Register(rule)
	}
	return engine, nil
}

// BuildPolicy layers the configured defaults and rules over the built-in
// access levels.
func BuildPolicy(cfg config.AuthConfig) *auth.Policy {
	defaults := auth.DefaultAccess()
	for authority, access := range cfg.DefaultAccess {
		defaults[authority] = access
	}
	rules := make([]auth.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, auth.Rule{Path: r.Path, Subject: r.Subject, Access: r.Access})
	}
	return auth.NewPolicy(defaults, rules...)
}

func (h *Host) Config() config.Config { return h.cfg.Clone() }
func (h *Host) DataBase() *data.DataBase { return h.db }
func (h *Host) Repository() *repository.Repository { return h.repo }
func (h *Host) Registry() *domains.Registry { return h.registry }
func (h *Host) Policy() *auth.Policy { return h.policy }
func (h *Host) Signer() *auth.Signer { return h.signer }
func (h *Host) Metrics() *Metrics { return h.metrics }

// Authenticate issues a credential for an actor of this host.
func (h *Host) Authenticate(id, name string, authority auth.Authority) *auth.Authentication {
	return h.signer.Authenticate(id, name, authority)
}

// Close shuts the database down, drains pending notifications and releases
// the stores. Open edit sessions stay journaled for the next Open.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if err := h.db.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := h.sink.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain notifications: %w", err))
	}
	if err := h.repo.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close repository: %w", err))
	}
	if err := h.state.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close state store: %w", err))
	}
	if dropped := h.sink.Dropped(); dropped > 0 {
		h.log.Warnw("notifications dropped", "count", dropped)
	}
	h.log.Infow("host stopped", "database", h.cfg.Database.Name)
	return errors.Join(errs...)
}
