package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/intake/internal/api"
	"github.com/vietddude/intake/internal/booking"
	"github.com/vietddude/intake/internal/conversation"
	"github.com/vietddude/intake/internal/core/apperr"
	"github.com/vietddude/intake/internal/core/config"
	"github.com/vietddude/intake/internal/core/domain"
	"github.com/vietddude/intake/internal/core/worker"
	"github.com/vietddude/intake/internal/health"
	"github.com/vietddude/intake/internal/infra/calendar"
	"github.com/vietddude/intake/internal/infra/crm"
	"github.com/vietddude/intake/internal/infra/dependency"
	"github.com/vietddude/intake/internal/infra/llm"
	redisclient "github.com/vietddude/intake/internal/infra/redis"
	"github.com/vietddude/intake/internal/infra/resilience"
	"github.com/vietddude/intake/internal/infra/storage"
	"github.com/vietddude/intake/internal/infra/storage/memory"
	"github.com/vietddude/intake/internal/metrics"
	"github.com/vietddude/intake/internal/scheduling"
)

// App is the booking intake service with all dependencies initialized.
type App struct {
	cfg         *config.AppConfig
	deps        *dependency.Orchestrator
	bookings    *booking.Service
	engine      *conversation.Engine
	monitor     *health.Monitor
	reaper      *worker.Reaper
	replayer    *worker.Replayer
	handler     http.Handler
	server      *api.Server
	redisClient *redisclient.Client
	closers     []io.Closer
	log         *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	llm      llm.Extractor
	calendar calendar.Client
	crm      crm.Client
	now      func() time.Time
}

// Option overrides a collaborator built from config.
type Option func(*options)

// WithLLM replaces the configured language model client.
func WithLLM(e llm.Extractor) Option {
	return func(o *options) { o.llm = e }
}

// WithCalendar replaces the configured calendar client.
func WithCalendar(c calendar.Client) Option {
	return func(o *options) { o.calendar = c }
}

// WithCRM replaces the configured CRM client.
func WithCRM(c crm.Client) Option {
	return func(o *options) { o.crm = c }
}

// WithClock injects the clock used for scheduling and sessions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewApp wires the service from cfg.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: slog.Default()}

	// 1. Scheduling rules
	loc, err := cfg.Business.Location()
	if err != nil {
		return nil, err
	}
	days, err := cfg.Business.BusinessDays()
	if err != nil {
		return nil, err
	}
	validator := scheduling.NewValidator(scheduling.Config{
		Location:         loc,
		OpenHour:         cfg.Business.OpenHour,
		CloseHour:        cfg.Business.CloseHour,
		BusinessDays:     days,
		AllowedDurations: cfg.Business.AllowedDurations,
	}, scheduling.WithNow(o.now))

	// 2. Storage
	store := memory.NewMemoryStorage()
	var queue storage.DeferredQueue
	if cfg.Redis.Enabled() {
		a.redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		queue = redisclient.NewDeferredQueue(a.redisClient)
		a.log.Info("Using Redis deferred queue")
	} else {
		queue = memory.NewDeferredQueue(store)
		a.log.Info("Using memory deferred queue")
	}
	sessions := memory.NewSessionRepo(store)

	// 3. Dependency orchestrator
	def, policies := retryPolicies(cfg.Retry)
	retrier := resilience.NewRetrier(def, policies, resilience.WithOnAttempt(a.onRetryAttempt))
	a.deps = dependency.New(retrier, resilience.NewFallbackRegistry(), dependency.WithLogger(a.log))

	if err := a.registerLLM(ctx, o.llm, loc); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.registerCalendar(ctx, o.calendar, queue); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.registerCRM(o.crm, queue); err != nil {
		a.closeAll()
		return nil, err
	}

	// 4. Booking core and conversation engine
	a.bookings = booking.NewService(memory.NewBookingRepo(store), validator, a.deps,
		booking.WithSideEffectWait(cfg.SideEffects.WaitTimeout),
		booking.WithClock(o.now),
		booking.WithLogger(a.log),
	)
	a.engine = conversation.NewEngine(sessions, a.bookings, a.deps,
		conversation.WithClock(o.now),
		conversation.WithLogger(a.log),
	)

	// 5. Background workers
	a.reaper = worker.NewReaper(a.engine, cfg.Conversation.SessionTTL, cfg.Conversation.ReapInterval)
	a.replayer = worker.NewReplayer(queue, a.bookings, worker.ReplayConfig{
		Interval:    cfg.SideEffects.ReplayInterval,
		Batch:       cfg.SideEffects.ReplayBatch,
		MaxAttempts: cfg.SideEffects.MaxAttempts,
	})

	// 6. HTTP surface
	a.monitor = health.NewMonitor(a.deps, sessions, health.CounterFunc(queue.Len))
	a.handler = api.NewRouter(&api.Handlers{
		Engine:   a.engine,
		Bookings: a.bookings,
		Deps:     a.deps,
		Health:   a.monitor,
		Log:      a.log,
	}, cfg.Server.CORSOrigins)
	a.server = api.NewServer(a.handler, cfg.Server.Port)

	return a, nil
}

func (a *App) registerLLM(ctx context.Context, primary llm.Extractor, loc *time.Location) error {
	c := a.cfg.Dependencies.LLM
	a.deps.Register(dependencyConfig(domain.DependencyLLM, c.DependencyConfig), nil)

	local := llm.NewKeywordExtractor()
	switch {
	case primary != nil:
	case c.APIKey != "":
		gemini, err := llm.NewGeminiExtractor(ctx, c.APIKey, c.Model, loc)
		if err != nil {
			return fmt.Errorf("failed to init llm: %w", err)
		}
		a.closers = append(a.closers, gemini)
		primary = gemini
		a.log.Info("Using Gemini extractor", "model", c.Model)
	default:
		primary = local
		a.log.Warn("No LLM API key configured, using keyword extraction only")
	}
	return llm.Register(a.deps, primary, local)
}

func (a *App) registerCalendar(ctx context.Context, client calendar.Client, queue storage.DeferredQueue) error {
	c := a.cfg.Dependencies.Calendar
	var probe dependency.Probe

	switch {
	case client != nil:
	case c.CredentialsFile != "":
		google, err := calendar.NewGoogleClient(ctx, calendar.GoogleConfig{
			CredentialsFile: c.CredentialsFile,
			CalendarID:      c.CalendarID,
			CreateMeetLink:  c.CreateMeetLink,
		})
		if err != nil {
			return fmt.Errorf("failed to init calendar: %w", err)
		}
		client, probe = google, google.Ping
		a.log.Info("Using Google Calendar", "calendar", c.CalendarID)
	default:
		client = calendar.Unconfigured{}
		a.log.Warn("No calendar credentials configured, events will not be created")
	}

	a.deps.Register(dependencyConfig(domain.DependencyCalendar, c.DependencyConfig), probe)
	return calendar.Register(a.deps, client, queue)
}

func (a *App) registerCRM(client crm.Client, queue storage.DeferredQueue) error {
	c := a.cfg.Dependencies.CRM
	var probe dependency.Probe

	switch {
	case client != nil:
	case c.BaseURL != "":
		httpClient := crm.NewHTTPClient(c.BaseURL, c.APIKey, c.Timeout)
		client, probe = httpClient, httpClient.Ping
		a.log.Info("Using HTTP CRM", "url", c.BaseURL)
	default:
		client = crm.Unconfigured{}
		a.log.Warn("No CRM endpoint configured, contacts will not be synced")
	}

	a.deps.Register(dependencyConfig(domain.DependencyCRM, c.DependencyConfig), probe)
	return crm.Register(a.deps, client, queue)
}

func (a *App) onRetryAttempt(at resilience.Attempt) {
	dep, _ := at.Meta["dependency"].(string)
	op, _ := at.Meta["operation"].(string)
	metrics.RetryAttemptsTotal.WithLabelValues(dep, string(at.Kind), strconv.FormatBool(at.Final)).Inc()
	if at.Final {
		return
	}
	a.log.Debug("Retrying dependency call",
		"dependency", dep,
		"operation", op,
		"attempt", at.Number,
		"kind", at.Kind,
		"delay", at.Delay,
	)
}

func dependencyConfig(name string, c config.DependencyConfig) dependency.Config {
	return dependency.Config{
		Name:             name,
		Timeout:          c.Timeout,
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown,
		RateLimit:        c.RateLimit,
		Burst:            c.Burst,
	}
}

// retryPolicies layers configured per-kind policies over the defaults.
func retryPolicies(cfg config.RetryConfig) (resilience.RetryPolicy, map[apperr.Kind]resilience.RetryPolicy) {
	policies := resilience.DefaultPolicies()
	for kind, p := range cfg.Policies {
		policies[apperr.Kind(kind)] = toPolicy(p)
	}
	return toPolicy(cfg.Default), policies
}

func toPolicy(p config.PolicyConfig) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		MaxDelay:    p.MaxDelay,
		Multiplier:  p.Multiplier,
		Jitter:      p.Jitter,
	}
}

// Start probes the dependencies, starts the workers and serves HTTP.
func (a *App) Start(ctx context.Context) error {
	if err := a.deps.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.reaper.Start(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.replayer.Start(runCtx)
	}()

	go func() {
		a.log.Info("HTTP server listening", "port", a.cfg.Server.Port)
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the server, then the workers, then the connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping intake...")

	err := a.server.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("Workers did not stop before the shutdown deadline")
	}

	a.closeAll()
	return err
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("Failed to close client", "error", err)
		}
	}
	a.closers = nil
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ProcessTurn handles one user utterance.
func (a *App) ProcessTurn(ctx context.Context, in conversation.TurnInput) (*conversation.TurnResult, error) {
	return a.engine.ProcessTurn(ctx, in)
}

// ConfirmBooking commits the booking collected by a session.
func (a *App) ConfirmBooking(ctx context.Context, sessionID string) (*conversation.TurnResult, error) {
	return a.engine.ConfirmBooking(ctx, sessionID)
}

// CancelConversation drops a session without booking.
func (a *App) CancelConversation(ctx context.Context, sessionID string) error {
	return a.engine.CancelConversation(ctx, sessionID)
}

// CreateBookingDirect books without a conversation.
func (a *App) CreateBookingDirect(ctx context.Context, req domain.BookingRequest) (*booking.CommitResult, error) {
	return a.bookings.CreateDirect(ctx, req)
}

// GetAvailability lists free slots of duration d on date.
func (a *App) GetAvailability(ctx context.Context, date time.Time, d time.Duration) ([]domain.Slot, error) {
	return a.bookings.Availability(ctx, date, d)
}

// GetBooking returns a booking by id.
func (a *App) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	return a.bookings.Get(ctx, id)
}

// SetBookingStatus moves a booking along the status transition table.
func (a *App) SetBookingStatus(ctx context.Context, id string, status domain.BookingStatus) (*domain.Booking, error) {
	return a.bookings.SetStatus(ctx, id, status)
}

// GetDependencyHealth returns the per-dependency health snapshot.
func (a *App) GetDependencyHealth() []domain.DependencyHealth {
	return a.deps.HealthSnapshot()
}

// ResetCircuit closes a dependency's breaker.
func (a *App) ResetCircuit(name string) error {
	return a.deps.ResetCircuit(name)
}

// Health returns the aggregated system health.
func (a *App) Health(ctx context.Context) health.HealthReport {
	return a.monitor.CheckHealth(ctx)
}
