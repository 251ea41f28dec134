// Package server manages the lifecycle of diagnosis runs behind the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/db"
	"github.com/raredx/orchestrator/internal/diagnosis"
	"github.com/raredx/orchestrator/internal/validation"
	"github.com/raredx/orchestrator/internal/workflows"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunFinished  = errors.New("run already finished")
	ErrNoPhenotypes = errors.New("at least one phenotype code is required")
	ErrShuttingDown = errors.New("service is shutting down")
)

// Store is the run history. db.Client implements it.
type Store interface {
	CreateRun(ctx context.Context, runID string, phenotypes diagnosis.PhenotypeSet, startedAt time.Time) error
	CompleteRun(ctx context.Context, res *diagnosis.RunResult) error
	FailRun(ctx context.Context, runID, msg string) error
	GetRun(ctx context.Context, runID string) (*db.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]db.RunRecord, error)
}

// Options configures where runs execute and where they are kept.
type Options struct {
	// Store is optional. Without it finished runs are kept in memory only.
	Store Store
	// Temporal is optional. With it runs execute as DiagnosisWorkflow.
	Temporal  client.Client
	TaskQueue string
	// RunTimeout bounds one run end to end.
	RunTimeout time.Duration
	// Retain is the number of finished runs kept in memory.
	Retain int
}

// RunView is the API representation of a run.
type RunView struct {
	RunID      string                 `json:"run_id"`
	Status     string                 `json:"status"`
	Phenotypes diagnosis.PhenotypeSet `json:"phenotypes"`
	Rounds     int                    `json:"rounds"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Result     *diagnosis.RunResult   `json:"result,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (v *RunView) Finished() bool { return v.Status != db.StatusRunning }

type activeRun struct {
	view   RunView
	cancel func()
	done   chan struct{}
}

// Service submits runs and answers status queries.
type Service struct {
	orch   atomic.Pointer[diagnosis.Orchestrator]
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	active   map[string]*activeRun
	finished map[string]*RunView
	order    []string
}

func NewService(orch *diagnosis.Orchestrator, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	if opts.Retain <= 0 {
		opts.Retain = 200
	}
	if opts.TaskQueue == "" {
		opts.TaskQueue = "diagnosis"
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		opts:     opts,
		logger:   logger.With(zap.String("component", "run-service")),
		ctx:      ctx,
		stop:     stop,
		active:   make(map[string]*activeRun),
		finished: make(map[string]*RunView),
	}
	s.orch.Store(orch)
	return s
}

// SetOrchestrator replaces the orchestrator used by runs submitted from now
// on. Runs in flight keep the one they started with.
func (s *Service) SetOrchestrator(orch *diagnosis.Orchestrator) {
	if orch != nil {
		s.orch.Store(orch)
	}
}

// Submit accepts a run and starts it in the background.
func (s *Service) Submit(ctx context.Context, phenotypes diagnosis.PhenotypeSet) (*RunView, error) {
	valid, err := validation.Phenotypes(phenotypes)
	if err != nil {
		return nil, err
	}
	if len(valid) == 0 {
		return nil, ErrNoPhenotypes
	}
	codes := diagnosis.PhenotypeSet(valid)

	// The wait group slot is taken under mu so Shutdown cannot slip between
	// the closed check and the run being counted.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()
	started := false
	defer func() {
		if !started {
			s.wg.Done()
		}
	}()

	runID := uuid.New().String()
	run := &activeRun{
		view: RunView{
			RunID:      runID,
			Status:     db.StatusRunning,
			Phenotypes: codes,
			StartedAt:  time.Now().UTC(),
		},
		done: make(chan struct{}),
	}

	if s.opts.Store != nil {
		if err := s.opts.Store.CreateRun(ctx, runID, codes, run.view.StartedAt); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	if s.opts.Temporal != nil {
		if err := s.startWorkflow(ctx, run); err != nil {
			if s.opts.Store != nil {
				_ = s.opts.Store.FailRun(context.WithoutCancel(ctx), runID, err.Error())
			}
			return nil, fmt.Errorf("start workflow: %w", err)
		}
	} else {
		s.startLocal(run)
	}
	started = true

	s.logger.Info("Diagnosis run submitted",
		zap.String("run_id", runID),
		zap.Strings("phenotypes", codes),
		zap.Bool("temporal", s.opts.Temporal != nil))
	view := run.view
	return &view, nil
}

// startLocal and startWorkflow consume the wait group slot taken by Submit.
func (s *Service) startLocal(run *activeRun) {
	orch := s.orch.Load()
	runCtx, cancel := context.WithTimeout(s.ctx, s.opts.RunTimeout)
	run.cancel = cancel
	s.track(run)

	go func() {
		defer s.wg.Done()
		defer cancel()
		res := orch.RunWithID(runCtx, run.view.RunID, run.view.Phenotypes)
		s.persist(res)
		s.finish(run.view.RunID, res, "")
	}()
}

func (s *Service) startWorkflow(ctx context.Context, run *activeRun) error {
	runID := run.view.RunID
	we, err := s.opts.Temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       runID,
		TaskQueue:                s.opts.TaskQueue,
		WorkflowExecutionTimeout: s.opts.RunTimeout,
		Memo:                     map[string]interface{}{"phenotypes": run.view.Phenotypes.String()},
	}, workflows.DiagnosisWorkflowName, workflows.DiagnosisInput{
		RunID:      runID,
		Phenotypes: run.view.Phenotypes,
	})
	if err != nil {
		return err
	}
	run.cancel = func() {
		if err := s.opts.Temporal.CancelWorkflow(context.Background(), runID, ""); err != nil {
			s.logger.Warn("Failed to cancel workflow", zap.String("run_id", runID), zap.Error(err))
		}
	}
	s.track(run)

	go func() {
		defer s.wg.Done()
		var res diagnosis.RunResult
		// The workflow persists its own result.
		if err := we.Get(s.ctx, &res); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Diagnosis workflow failed", zap.String("run_id", runID), zap.Error(err))
			if s.opts.Store != nil {
				_ = s.opts.Store.FailRun(context.Background(), runID, err.Error())
			}
			s.finish(runID, nil, err.Error())
			return
		}
		s.finish(runID, &res, "")
	}()
	return nil
}

func (s *Service) persist(res *diagnosis.RunResult) {
	if s.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.opts.Store.CompleteRun(ctx, res); err != nil {
		s.logger.Error("Failed to persist run result", zap.String("run_id", res.RunID), zap.Error(err))
	}
}

func (s *Service) track(run *activeRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[run.view.RunID] = run
}

func (s *Service) finish(runID string, res *diagnosis.RunResult, failure string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[runID]
	if !ok {
		return
	}
	delete(s.active, runID)

	view := run.view
	if res != nil {
		view.Status = string(res.Status)
		view.Rounds = res.Rounds
		view.Result = res
		finished := res.FinishedAt.UTC()
		view.FinishedAt = &finished
	} else {
		view.Status = db.StatusFailed
		view.Error = failure
		now := time.Now().UTC()
		view.FinishedAt = &now
	}
	s.finished[runID] = &view
	s.order = append(s.order, runID)
	for len(s.order) > s.opts.Retain {
		delete(s.finished, s.order[0])
		s.order = s.order[1:]
	}
	close(run.done)
}

// Get returns a run from memory or, failing that, from the store.
func (s *Service) Get(ctx context.Context, runID string) (*RunView, error) {
	s.mu.Lock()
	if run, ok := s.active[runID]; ok {
		view := run.view
		s.mu.Unlock()
		return &view, nil
	}
	if v, ok := s.finished[runID]; ok {
		view := *v
		s.mu.Unlock()
		return &view, nil
	}
	s.mu.Unlock()

	if s.opts.Store == nil {
		return nil, ErrRunNotFound
	}
	rec, err := s.opts.Store.GetRun(ctx, runID)
	if errors.Is(err, db.ErrRunNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return viewFromRecord(rec)
}

// List returns the most recent runs first.
func (s *Service) List(ctx context.Context, limit int) ([]RunView, error) {
	if limit <= 0 {
		limit = 50
	}
	if s.opts.Store != nil {
		recs, err := s.opts.Store.ListRuns(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]RunView, 0, len(recs))
		for i := range recs {
			v, err := viewFromRecord(&recs[i])
			if err != nil {
				return nil, err
			}
			v.Result = nil
			out = append(out, *v)
		}
		return out, nil
	}

	s.mu.Lock()
	out := make([]RunView, 0, len(s.active)+len(s.finished))
	for _, run := range s.active {
		out = append(out, run.view)
	}
	for _, v := range s.finished {
		view := *v
		view.Result = nil
		out = append(out, view)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cancel stops an in-flight run. The run still finishes with status cancelled.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		s.logger.Info("Cancelling diagnosis run", zap.String("run_id", runID))
		run.cancel()
		return nil
	}
	view, err := s.Get(ctx, runID)
	if err != nil {
		return err
	}
	if view.Finished() {
		return ErrRunFinished
	}
	// Running in another process.
	if s.opts.Temporal != nil {
		return s.opts.Temporal.CancelWorkflow(ctx, runID, "")
	}
	return ErrRunNotFound
}

// Wait blocks until a run started by this service finishes.
func (s *Service) Wait(ctx context.Context, runID string) (*RunView, error) {
	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Get(ctx, runID)
}

// Shutdown stops accepting runs, cancels local runs and waits for them to
// be recorded or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func viewFromRecord(rec *db.RunRecord) (*RunView, error) {
	phenotypes, err := rec.PhenotypeSet()
	if err != nil {
		return nil, fmt.Errorf("decode run %s phenotypes: %w", rec.ID, err)
	}
	res, err := rec.RunResult()
	if err != nil {
		return nil, err
	}
	view := &RunView{
		RunID:      rec.ID,
		Status:     rec.Status,
		Phenotypes: phenotypes,
		Rounds:     rec.Rounds,
		Error:      rec.ErrorMessage,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Result:     res,
	}
	return view, nil
}
