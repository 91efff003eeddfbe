// Package reconcile implements optimistic fill with bounded confirmation.
//
// A successful fill marks the visit recentlyFilled straight away, then a
// background loop polls GetFilledForm until the service shows the form
// (confirmedFilled) or the attempt budget runs out, after which the flag is
// cleared at the expiry mark so the visit can be filled again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/farm-visits/pkg/core/model"
	"github.com/jakechorley/farm-visits/pkg/core/rules"
	"github.com/jakechorley/farm-visits/pkg/gateway"
)

// Gateway is the part of the mutation gateway the engine drives
type Gateway interface {
	Update(ctx context.Context, id string, patch gateway.VisitPatch) (model.Visit, error)
	Start(ctx context.Context, id string, startedBy string, req gateway.StartRequest) (model.Visit, error)
	Fill(ctx context.Context, farmType model.FarmType, req gateway.FillRequest) (model.DetailRecord, error)
	GetFilledForm(ctx context.Context, id string) (model.FilledForm, error)
	Get(ctx context.Context, id string) (model.Visit, error)
}

// Cache is the locally held visit list the engine refreshes
type Cache interface {
	// Merge replaces the cached visit with the same id
	Merge(v model.Visit) error
	// Reload refetches the whole list
	Reload(ctx context.Context) error
}

// Config holds the confirmation loop timings
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	ExpireAfter  time.Duration
}

// DefaultConfig returns 6 polls 2 seconds apart with the flag cleared at 30 seconds
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		MaxAttempts:  6,
		ExpireAfter:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = d.ExpireAfter
	}
	return c
}

// Outcome is how a confirmation loop ended
type Outcome int

const (
	OutcomeConfirmed Outcome = iota + 1
	OutcomeExpired
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeExpired:
		return "expired"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrFillInProgress is returned when a fill or its confirmation loop is already outstanding for the visit
	ErrFillInProgress = errors.New("a fill is already in progress for this visit")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("reconciliation engine is closed")

	errFillCancelled = errors.New("visit was cancelled while its fill was in flight")
)

// NotFillableError explains why the fill action is disabled for a visit
type NotFillableError struct {
	ID     string
	Reason string
}

func (e *NotFillableError) Error() string {
	return fmt.Sprintf("visit %s cannot be filled: %s", e.ID, e.Reason)
}

// FillForm is the user's farm-type form plus an optional location
type FillForm struct {
	Location        *model.Location
	Layer           *model.LayerVisit
	Dairy           *model.DairyVisit
	Recommendations string
}

// FillResult is returned once the fill mutation has been accepted
type FillResult struct {
	Visit   model.Visit
	Detail  model.DetailRecord
	Started bool
}

// Option configures an Engine
type Option func(*Engine)

// WithConfig overrides the loop timings; zero fields keep their defaults
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.withDefaults() }
}

// WithClock overrides the time source
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSettledHook is called when a confirmation loop ends
func WithSettledHook(fn func(id string, outcome Outcome)) Option {
	return func(e *Engine) { e.onSettled = fn }
}

type loop struct {
	cancel  context.CancelFunc
	nudge   chan struct{}
	done    chan struct{}
	outcome Outcome
}

// Engine runs fills and their confirmation loops. Loops run on the engine's
// own context, not the caller's, so they outlive the request that started them.
type Engine struct {
	gw        Gateway
	cache     Cache
	flags     *Flags
	logger    *zap.Logger
	cfg       Config
	clock     Clock
	onSettled func(id string, outcome Outcome)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	// inflight holds ids whose fill mutation has not returned yet; the value
	// is set when Cancel arrives in that window
	inflight map[string]bool
	loops    map[string]*loop
}

// NewEngine creates an engine writing to flags and refreshing cache
func NewEngine(gw Gateway, cache Cache, flags *Flags, logger *zap.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		gw:       gw,
		cache:    cache,
		flags:    flags,
		logger:   logger,
		cfg:      DefaultConfig(),
		clock:    realClock{},
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
		loops:    make(map[string]*loop),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the timings in use
func (e *Engine) Config() Config {
	return e.cfg
}

// Fill resolves a location, starts the visit if it is only approved, submits
// the form and begins confirmation polling. Nothing is sent to the gateway
// when no location can be found.
func (e *Engine) Fill(ctx context.Context, actor string, visit model.Visit, form FillForm) (FillResult, error) {
	id := visit.ScheduleID
	if err := e.reserve(visit); err != nil {
		return FillResult{}, err
	}
	defer e.release(id)

	loc, detailID, fromForm, err := e.resolveLocation(ctx, visit, form)
	if err != nil {
		return FillResult{}, err
	}

	logger := e.logger.With(zap.String("schedule_id", id))
	result := FillResult{Visit: visit}

	if !visit.VisitStatus.Is(model.VisitInProgress) {
		if fromForm {
			logger.Debug("Recording location from form before start", zap.Stringer("location", loc))
			updated, err := e.gw.Update(ctx, id, gateway.VisitPatch{Location: loc})
			if err != nil {
				return FillResult{}, fmt.Errorf("failed to record location: %w", err)
			}
			result.Visit = updated
		}

		started, err := e.gw.Start(ctx, id, actor, gateway.StartRequest{Location: loc})
		if err != nil {
			return FillResult{}, fmt.Errorf("failed to start visit: %w", err)
		}
		result.Visit = started
		result.Started = true
		e.merge(ctx, started)
		logger.Info("Visit started for fill")
	}

	rec, err := e.gw.Fill(ctx, result.Visit.FarmType, gateway.FillRequest{
		ScheduleID:      id,
		DetailID:        detailID,
		Location:        loc,
		Layer:           form.Layer,
		Dairy:           form.Dairy,
		Recommendations: form.Recommendations,
		FilledBy:        actor,
	})
	if err != nil {
		return result, err
	}
	result.Detail = rec

	if !e.flags.MarkRecent(id) {
		logger.Warn("Fill flag already set", zap.Stringer("state", e.flags.FillState(id)))
	}
	if err := e.startLoop(id); err != nil {
		if errors.Is(err, errFillCancelled) {
			e.flags.Clear(id)
			logger.Info("Visit removed during fill, confirmation skipped")
			return result, nil
		}
		// Closed between reserve and now; the fill itself succeeded
		e.flags.Expire(id)
		logger.Warn("Confirmation not started", zap.Error(err))
	}

	logger.Info("Fill accepted, awaiting confirmation", zap.String("detail_id", rec.DetailID))
	return result, nil
}

// reserve gates the fill on the rules and claims the id until the mutation returns
func (e *Engine) reserve(v model.Visit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, busy := e.inflight[v.ScheduleID]; busy {
		return ErrFillInProgress
	}
	if _, busy := e.loops[v.ScheduleID]; busy {
		return ErrFillInProgress
	}
	if !rules.CanFill(v, e.flags) {
		if e.flags.FillState(v.ScheduleID) != model.FillNone {
			return ErrFillInProgress
		}
		return &NotFillableError{ID: v.ScheduleID, Reason: fillBlocker(v)}
	}

	e.inflight[v.ScheduleID] = false
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func fillBlocker(v model.Visit) string {
	switch {
	case v.VisitStatus.Is(model.VisitCompleted):
		return "visit is completed"
	case v.VisitStatus.Is(model.VisitCancelled):
		return "visit is cancelled"
	case v.FormFilled:
		return "form already filled"
	default:
		return fmt.Sprintf("visit is not approved (approval status: %s)", v.ApprovalStatus)
	}
}

// resolveLocation looks at the visit, then the form, then any saved detail record
func (e *Engine) resolveLocation(ctx context.Context, v model.Visit, form FillForm) (*model.Location, string, bool, error) {
	if v.Location != nil {
		return v.Location, "", false, nil
	}
	if form.Location != nil {
		return form.Location, "", true, nil
	}

	// NotFound means nothing has been saved yet
	saved, err := e.gw.GetFilledForm(ctx, v.ScheduleID)
	if err != nil && !gateway.IsNotFound(err) {
		e.logger.Warn("Could not load saved detail record", zap.String("schedule_id", v.ScheduleID), zap.Error(err))
	}
	if saved.Form != nil && saved.Form.Location != nil {
		return saved.Form.Location, saved.Form.DetailID, false, nil
	}
	if saved.Schedule != nil && saved.Schedule.Location != nil {
		return saved.Schedule.Location, "", false, nil
	}

	return nil, "", false, &gateway.MissingFieldError{Field: "Location"}
}

func (e *Engine) startLoop(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.inflight[id] {
		return errFillCancelled
	}

	ctx, cancel := context.WithCancel(e.ctx)
	l := &loop{
		cancel: cancel,
		nudge:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	e.loops[id] = l

	e.wg.Add(1)
	go e.run(ctx, id, l)
	return nil
}

// run polls sequentially: each attempt waits for the previous round trip
// before sleeping the interval, so one id never has two polls in flight
func (e *Engine) run(ctx context.Context, id string, l *loop) {
	defer e.wg.Done()

	logger := e.logger.With(zap.String("schedule_id", id))
	started := e.clock.Now()

	finish := func(o Outcome) {
		l.outcome = o
		e.mu.Lock()
		if e.loops[id] == l {
			delete(e.loops, id)
		}
		e.mu.Unlock()
		l.cancel()
		close(l.done)
		if e.onSettled != nil {
			e.onSettled(id, o)
		}
	}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			logger.Debug("Confirmation cancelled", zap.Int("attempt", attempt))
			finish(OutcomeCancelled)
			return
		case <-e.clock.After(e.cfg.PollInterval):
		case <-l.nudge:
			logger.Debug("Confirmation nudged")
		}

		form, err := e.gw.GetFilledForm(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				finish(OutcomeCancelled)
				return
			}
			logger.Warn("Confirmation poll failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !form.Present() {
			logger.Debug("Fill not yet visible", zap.Int("attempt", attempt))
			continue
		}

		e.flags.Confirm(id)
		logger.Info("Fill confirmed", zap.Int("attempt", attempt), zap.Duration("elapsed", e.clock.Now().Sub(started)))
		e.refresh(ctx, id, form)
		finish(OutcomeConfirmed)
		return
	}

	if remaining := e.cfg.ExpireAfter - e.clock.Now().Sub(started); remaining > 0 {
		select {
		case <-ctx.Done():
			finish(OutcomeCancelled)
			return
		case <-e.clock.After(remaining):
		}
	}

	e.flags.Expire(id)
	logger.Info("Fill never confirmed, flag cleared", zap.Int("attempts", e.cfg.MaxAttempts))
	finish(OutcomeExpired)
}

// refresh merges the confirmed visit into the cache by id
func (e *Engine) refresh(ctx context.Context, id string, form model.FilledForm) {
	var v model.Visit
	if form.Schedule != nil {
		v = *form.Schedule
	} else {
		got, err := e.gw.Get(ctx, id)
		if err != nil {
			e.logger.Warn("Failed to fetch confirmed visit, reloading list", zap.String("schedule_id", id), zap.Error(err))
			e.reload(ctx)
			return
		}
		v = got
	}

	if !form.Form.IsEmpty() {
		v.FormFilled = true
	}
	e.merge(ctx, v)
}

func (e *Engine) merge(ctx context.Context, v model.Visit) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Merge(v); err != nil {
		e.logger.Debug("Merge failed, reloading list", zap.String("schedule_id", v.ScheduleID), zap.Error(err))
		e.reload(ctx)
	}
}

func (e *Engine) reload(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Reload(ctx); err != nil {
		e.logger.Warn("Failed to reload visit list", zap.Error(err))
	}
}

// Nudge makes an outstanding loop for id poll now instead of at its next tick
func (e *Engine) Nudge(id string) bool {
	e.mu.Lock()
	l, ok := e.loops[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case l.nudge <- struct{}{}:
	default:
	}
	return true
}

// Listen nudges loops for every id received until ids closes or ctx is done
func (e *Engine) Listen(ctx context.Context, ids <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ids:
			if !ok {
				return
			}
			e.Nudge(id)
		}
	}
}

// Pending reports whether a confirmation loop is outstanding for id
func (e *Engine) Pending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loops[id]
	return ok
}

// Wait blocks until the loop for id ends. ok is false if no loop was running.
func (e *Engine) Wait(ctx context.Context, id string) (outcome Outcome, ok bool, err error) {
	e.mu.Lock()
	l, ok := e.loops[id]
	e.mu.Unlock()
	if !ok {
		return 0, false, nil
	}

	select {
	case <-l.done:
		return l.outcome, true, nil
	case <-ctx.Done():
		return 0, true, ctx.Err()
	}
}

// Cancel stops the loop for id, if any, and clears its flag. A fill still
// waiting on its mutation will not start a loop. Used when the visit is deleted.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	l, ok := e.loops[id]
	if _, filling := e.inflight[id]; filling {
		e.inflight[id] = true
	}
	e.mu.Unlock()

	if ok {
		l.cancel()
		<-l.done
	}
	e.flags.Clear(id)
}

// Close stops every loop and waits for them to exit
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
