package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"windowgate/internal/alerts"
	"windowgate/internal/clock"
	"windowgate/internal/evaluator"
	"windowgate/internal/metrics"
	"windowgate/internal/scheduler"
	"windowgate/internal/storage"
)

// AlertEvaluator evaluates one alert against its state.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, alert alerts.Alert, state alerts.State) evaluator.Result
}

// Sweeper drops stale in-process window entries.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Options tune tick processing.
type Options struct {
	Concurrency       int
	EvaluationTimeout time.Duration
	// StoreTimeout bounds each snapshot and state write.
	StoreTimeout time.Duration
	LockKey           int64
	Sweeper           Sweeper
	Metrics           *metrics.Metrics
	Clock             clock.Clock
}

// Report summarises one tick.
type Report struct {
	At        time.Time
	Alerts    int
	NoChange  int
	Updated   int
	Triggered int
	Failed    int
	Skipped   bool
	Swept     int
	Duration  time.Duration
}

// Service orchestrates the periodic alert pass.
type Service struct {
	scheduler *scheduler.Scheduler
	store     storage.AlertStore
	eval      AlertEvaluator
	locker    storage.AdvisoryLocker
	opts      Options
	clock     clock.Clock
	logger    zerolog.Logger
}

// New constructs the alert service. The advisory lock is used only when the
// store supports it.
func New(sched *scheduler.Scheduler, store storage.AlertStore, eval AlertEvaluator, opts Options, logger zerolog.Logger) *Service {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.EvaluationTimeout <= 0 {
		opts.EvaluationTimeout = 20 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		store:     store,
		eval:      eval,
		locker:    locker,
		opts:      opts,
		clock:     clk,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Start runs the loop in the background until Stop.
func (s *Service) Start(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	s.scheduler.Start(ctx, s.Tick)
	return nil
}

// Stop halts the background loop.
func (s *Service) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// Trigger runs one tick immediately, serialised with scheduled ticks.
func (s *Service) Trigger(ctx context.Context) (Report, error) {
	var report Report
	tick := func(ctx context.Context, at time.Time) error {
		var err error
		report, err = s.ProcessTick(ctx, at)
		return err
	}
	if s.scheduler == nil {
		err := tick(ctx, s.clock.Now())
		return report, err
	}
	err := s.scheduler.Trigger(ctx, tick)
	return report, err
}

// Tick adapts ProcessTick to scheduler.TickFunc.
func (s *Service) Tick(ctx context.Context, at time.Time) error {
	_, err := s.ProcessTick(ctx, at)
	return err
}

// ProcessTick 对当前快照中的全部告警执行一次评估。
func (s *Service) ProcessTick(ctx context.Context, at time.Time) (Report, error) {
	report := Report{At: at}
	started := time.Now()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip tick because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	listCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	snapshot, err := s.store.ListAlerts(listCtx)
	cancel()
	if err != nil {
		return report, fmt.Errorf("list alerts: %w", err)
	}
	report.Alerts = len(snapshot)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)
	for _, rec := range snapshot {
		g.Go(func() error {
			outcome := s.processOne(ctx, rec)
			mu.Lock()
			report.count(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if s.opts.Sweeper != nil {
		report.Swept = s.opts.Sweeper.Sweep(s.clock.Now())
	}

	report.Duration = time.Since(started)
	s.opts.Metrics.ObserveTick(report.Duration, report.Alerts)
	s.logger.Info().Time("at", at).
		Int("alerts", report.Alerts).
		Int("triggered", report.Triggered).
		Int("updated", report.Updated).
		Int("failed", report.Failed).
		Dur("took", report.Duration).
		Msg("tick complete")
	return report, nil
}

// processOne evaluates and persists a single alert. A panic or error here
// never aborts the rest of the tick.
func (s *Service) processOne(ctx context.Context, rec alerts.Record) (outcome evaluator.Outcome) {
	alert := rec.Alert
	log := s.logger.With().Str("alert_id", alert.ID).Logger()
	ruleType := "unknown"
	if alert.Rule != nil {
		ruleType = string(alert.Rule.Type())
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("alert evaluation panicked")
			outcome = evaluator.Failed
		}
		s.opts.Metrics.ObserveEvaluation(ruleType, outcome.String())
	}()

	if !rec.Valid() {
		log.Warn().Err(rec.Err).Msg("skip undecodable alert")
		return evaluator.Failed
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.opts.EvaluationTimeout)
	defer cancel()

	res := s.eval.Evaluate(evalCtx, alert, rec.State)
	switch res.Outcome {
	case evaluator.Failed:
		log.Warn().Err(res.Reason).Str("type", ruleType).Msg("alert evaluation failed")
		return evaluator.Failed
	case evaluator.NoChange:
		log.Debug().Str("type", ruleType).Str("value", res.Value.String()).Msg("no change")
	case evaluator.Triggered:
		log.Info().Str("type", ruleType).Str("value", res.Value.String()).Msg("alert triggered")
	}

	if !res.Persist() {
		return res.Outcome
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancelWrite()
	if err := s.store.UpdateAlertState(writeCtx, alert.ID, res.State); err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			// 本轮评估期间告警被删除
			log.Debug().Msg("alert deleted during tick; state dropped")
			return res.Outcome
		}
		log.Error().Err(err).Msg("failed to persist alert state")
		return evaluator.Failed
	}
	return res.Outcome
}

func (r *Report) count(o evaluator.Outcome) {
	switch o {
	case evaluator.NoChange:
		r.NoChange++
	case evaluator.Updated:
		r.Updated++
	case evaluator.Triggered:
		r.Triggered++
	default:
		r.Failed++
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
