// Package scheduler implements the Scheduler component of spec.md §4.I: a
// deduplicated enqueue of replication jobs keyed by job-file identity, with
// scheduler-owned retry backoff and an at-startup sweep for in-flight jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dreadstar/meshrabiyad/pkg/blobstore"
)

var log = logging.Logger("scheduler")

// Outcome is what a worker run reports back to the Scheduler.
type Outcome int

const (
	// Success means the worker completed the job; it will not be
	// re-enqueued.
	Success Outcome = iota
	// Retry means the worker made progress but the job isn't done;
	// the Scheduler re-enqueues it under its backoff policy.
	Retry
	// Abandoned means the worker gave up on the job (for example, its job
	// file could not be loaded); it will not be re-enqueued.
	Abandoned
)

// RunFunc executes one Worker pass over the job at jobPath.
type RunFunc func(ctx context.Context, jobPath string) Outcome

// Config controls the Scheduler's backoff policy.
type Config struct {
	// MaxAttempts caps how many times a job is retried before it is
	// abandoned.
	MaxAttempts int
	// InitialInterval, Multiplier and MaxInterval parameterize the
	// exponential backoff curve (github.com/cenkalti/backoff/v5), grounded
	// on the teacher's use of the same library for PDP transaction
	// confirmation polling.
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// DefaultConfig matches the teacher's backoff defaults, generalised from
// chain-confirmation polling to job retry/backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     10,
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2.0,
		MaxInterval:     30 * time.Second,
	}
}

// Scheduler enqueues Worker executions, deduplicated by job-file path:
// duplicate enqueues for a job already pending/running are ignored
// (at-most-one-pending-per-job, spec.md §4.I).
type Scheduler struct {
	cfg Config
	run RunFunc

	mu      sync.Mutex
	pending map[string]struct{}
}

// New builds a Scheduler that executes run for each scheduled job.
func New(run RunFunc, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		run:     run,
		pending: make(map[string]struct{}),
	}
}

// Schedule enqueues a single worker execution keyed on jobPath. A duplicate
// enqueue while jobPath already has a pending/running execution is ignored.
func (s *Scheduler) Schedule(jobPath string) error {
	s.mu.Lock()
	if _, ok := s.pending[jobPath]; ok {
		s.mu.Unlock()
		log.Debugw("ignoring duplicate enqueue", "job", jobPath)
		return nil
	}
	s.pending[jobPath] = struct{}{}
	s.mu.Unlock()

	go s.runWithBackoff(jobPath)
	return nil
}

var errRetryJob = errors.New("job requested retry")

// runWithBackoff drives repeated Worker executions for jobPath using
// backoff.Retry, the same library the teacher uses to poll for PDP
// transaction confirmation (pkg/pdp/service/wait_for_confirmation.go),
// generalised here to job retry/backoff instead of chain polling.
func (s *Scheduler) runWithBackoff(jobPath string) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, jobPath)
		s.mu.Unlock()
	}()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialInterval
	exp.Multiplier = s.cfg.Multiplier
	exp.MaxInterval = s.cfg.MaxInterval

	outcome, err := backoff.Retry(context.Background(), func() (Outcome, error) {
		o := s.run(context.Background(), jobPath)
		switch o {
		case Success:
			return o, nil
		case Abandoned:
			return o, backoff.Permanent(fmt.Errorf("job abandoned by worker: %w", errRetryJob))
		default: // Retry
			return o, errRetryJob
		}
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(s.cfg.MaxAttempts)))

	switch {
	case err == nil:
		log.Debugw("job completed", "job", jobPath, "outcome", outcome)
	default:
		log.Warnw("job retries exhausted or abandoned", "job", jobPath, "error", err)
		s.persistAbandoned(jobPath)
	}
}

// persistAbandoned writes JobAbandoned back to jobPath's job file once
// backoff.Retry gives up on it, so a bootstrap sweep (FindPending) never
// re-enqueues a job the Scheduler itself has already given up on.
func (s *Scheduler) persistAbandoned(jobPath string) {
	job, err := blobstore.LoadJob(jobPath)
	if err != nil {
		log.Warnw("failed to load job to persist abandoned state", "job", jobPath, "error", err)
		return
	}
	job.Status = blobstore.JobAbandoned
	if err := blobstore.SaveJob(jobPath, job); err != nil {
		log.Warnw("failed to persist abandoned state", "job", jobPath, "error", err)
	}
}

// FindPending lists job files under dir whose status is not in
// {complete, abandoned}, for a bootstrap sweeper to re-enqueue after
// restart (spec.md §4.I).
func FindPending(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".job" {
			continue
		}
		jobPath := filepath.Join(dir, e.Name())
		job, err := blobstore.LoadJob(jobPath)
		if err != nil {
			log.Warnw("skipping unreadable job during sweep", "job", jobPath, "error", err)
			continue
		}
		if job.Status == blobstore.JobComplete || job.Status == blobstore.JobAbandoned {
			continue
		}
		pending = append(pending, jobPath)
	}
	return pending, nil
}
