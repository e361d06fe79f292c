// Package worker implements the Replication Worker of spec.md §4.G: it
// drives the Delegation Orchestrator for a job, uploads the blob body to
// every non-originator assignee (bounded concurrency via errgroup), records
// Assignment Results both locally and over the gossip bus, and waits a
// bounded window for late results from peers before deciding whether the
// job is complete or needs another Scheduler retry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dreadstar/meshrabiyad/pkg/blobstore"
	"github.com/dreadstar/meshrabiyad/pkg/delegation"
	"github.com/dreadstar/meshrabiyad/pkg/errdefs"
	"github.com/dreadstar/meshrabiyad/pkg/gossip"
	"github.com/dreadstar/meshrabiyad/pkg/gossip/envelope"
	"github.com/dreadstar/meshrabiyad/pkg/scheduler"
	"github.com/dreadstar/meshrabiyad/pkg/uploadclient"
)

var log = logging.Logger("worker")

// DefaultReplicationWait and DefaultResultPoll match spec.md §6's defaults
// for how long a Worker waits for late-arriving results from peers, and how
// often it re-reads the job file while waiting.
const (
	DefaultReplicationWait = 15 * time.Second
	DefaultResultPoll      = 500 * time.Millisecond
	DefaultUploadTimeout   = 20 * time.Second
	maxConcurrentUploads   = 4
)

// Signer is the capability the Worker needs to sign outbound Assignment
// Result messages.
type Signer interface {
	PublicKeyB64() (string, bool)
	Sign(payload []byte) (string, bool)
}

// Config parameterises a Worker's timing and auth behaviour.
type Config struct {
	OfferWindow     time.Duration
	ReplicationWait time.Duration
	ResultPoll      time.Duration
	UploadTimeout   time.Duration
	// LocalAuthToken is attached as the X-Meshrabiya-Auth header on
	// requests to loopback assignees (spec.md §4.H).
	LocalAuthToken string
	// TestMode synthesises a successful result for assignments with no
	// upload_endpoint instead of skipping them, so deterministic test
	// harnesses can exercise the full job lifecycle without a live
	// transport (spec.md §9 "deterministic test mode").
	TestMode bool
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		OfferWindow:     delegation.DefaultOfferWindow,
		ReplicationWait: DefaultReplicationWait,
		ResultPoll:      DefaultResultPoll,
		UploadTimeout:   DefaultUploadTimeout,
	}
}

// Worker implements spec.md §4.G.
type Worker struct {
	cfg          Config
	orchestrator *delegation.Orchestrator
	bus          gossip.Bus
	signer       Signer
	client       *uploadclient.Client
}

// New builds a Worker driving orchestrator's delegation rounds and
// publishing/collecting Assignment Results over bus.
func New(orchestrator *delegation.Orchestrator, bus gossip.Bus, signer Signer, cfg Config) *Worker {
	if cfg.ReplicationWait == 0 {
		cfg.ReplicationWait = DefaultReplicationWait
	}
	if cfg.ResultPoll == 0 {
		cfg.ResultPoll = DefaultResultPoll
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	return &Worker{
		cfg:          cfg,
		orchestrator: orchestrator,
		bus:          bus,
		signer:       signer,
		client:       uploadclient.New(cfg.UploadTimeout),
	}
}

// Run implements scheduler.RunFunc: one Worker pass over the job at
// jobPath, reporting the outcome the Scheduler should act on.
func (w *Worker) Run(ctx context.Context, jobPath string) scheduler.Outcome {
	job, err := blobstore.LoadJob(jobPath)
	if err != nil {
		log.Warnw("worker cannot load job, abandoning", "job", jobPath, "error", err)
		return scheduler.Abandoned
	}

	outcome, err := w.orchestrator.ProcessJob(ctx, jobPath)
	if err != nil {
		log.Warnw("delegation round failed", "job", job.ID, "error", err)
		return scheduler.Retry
	}

	job, err = blobstore.LoadJob(jobPath)
	if err != nil {
		log.Warnw("worker cannot reload job after delegation, abandoning", "job", jobPath, "error", err)
		return scheduler.Abandoned
	}

	if outcome == delegation.NoOffers && len(job.Assignments) == 0 {
		job.Attempts++
		if err := blobstore.SaveJob(jobPath, job); err != nil {
			log.Warnw("failed to persist no_offers state", "job", job.ID, "error", err)
		}
		return scheduler.Retry
	}

	w.uploadToAssignees(ctx, jobPath, job)

	job = w.awaitLateResults(ctx, jobPath, job)

	if job.Accepted >= job.TargetReplicas {
		job.Status = blobstore.JobComplete
		if err := blobstore.SaveJob(jobPath, job); err != nil {
			log.Warnw("failed to persist complete state", "job", job.ID, "error", err)
		}
		return scheduler.Success
	}

	job.Attempts++
	job.Status = blobstore.JobInProgress
	if err := blobstore.SaveJob(jobPath, job); err != nil {
		log.Warnw("failed to persist in_progress state", "job", job.ID, "error", err)
	}
	return scheduler.Retry
}

// acceptedAssignees returns the set of AssigneeIDs that already have a
// successful AssignmentResult on the job. Every Scheduler retry re-enters
// uploadToAssignees against the same, non-destructively-accumulated
// job.Assignments list, so without this guard a peer that already accepted
// the blob in an earlier attempt would be re-uploaded to and its repeat
// success double-counted toward target_replicas.
func acceptedAssignees(results []blobstore.AssignmentResult) map[string]bool {
	done := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Success {
			done[r.AssigneeID] = true
		}
	}
	return done
}

// uploadToAssignees performs at most one upload attempt per non-originator
// assignee that hasn't already succeeded, bounded to maxConcurrentUploads in
// flight (spec.md §4.G, §5). Each result is published to the bus and
// appended to the job file as soon as it is known, under a mutex so
// concurrent uploaders never race on the job file.
func (w *Worker) uploadToAssignees(ctx context.Context, jobPath string, job *blobstore.ReplicationJob) {
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentUploads)

	done := acceptedAssignees(job.AssignmentResults)
	for i := range job.Assignments {
		a := job.Assignments[i]
		if a.AssigneeID == job.OriginID {
			continue
		}
		if done[a.AssigneeID] {
			continue
		}
		eg.Go(func() error {
			result, ok := w.uploadOne(egCtx, job, a)
			if !ok {
				return nil
			}
			w.publishResult(result)

			mu.Lock()
			defer mu.Unlock()
			cur, err := blobstore.LoadJob(jobPath)
			if err != nil {
				log.Warnw("failed to reload job before recording result", "job", job.ID, "error", err)
				return nil
			}
			cur.AssignmentResults = append(cur.AssignmentResults, result)
			cur.Accepted = countAccepted(cur.AssignmentResults)
			if err := blobstore.SaveJob(jobPath, cur); err != nil {
				log.Warnw("failed to persist assignment result", "job", job.ID, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// uploadOne attempts delivery to a single assignment, returning (result,
// true) when an attempt was made, or (zero, false) when the assignment was
// skipped (no upload_endpoint and not in test mode, per spec.md §4.G).
func (w *Worker) uploadOne(ctx context.Context, job *blobstore.ReplicationJob, a blobstore.Assignment) (blobstore.AssignmentResult, bool) {
	if a.UploadEndpoint == "" {
		if !w.cfg.TestMode {
			log.Debugw("skipping assignment with no upload endpoint", "job", job.ID, "assignee", a.AssigneeID)
			return blobstore.AssignmentResult{}, false
		}
		return blobstore.AssignmentResult{
			RequestID: a.RequestID, AssigneeID: a.AssigneeID, BlobID: a.BlobID,
			Success: true, Message: "synthesized in test mode",
		}, true
	}

	u, err := url.Parse(a.UploadEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		unsupported := fmt.Errorf("%w: scheme of %q", errdefs.ErrUnsupported, a.UploadEndpoint)
		return blobstore.AssignmentResult{
			RequestID: a.RequestID, AssigneeID: a.AssigneeID, BlobID: a.BlobID,
			Success: false, Message: unsupported.Error(),
		}, true
	}

	if present, err := w.client.Probe(ctx, a.UploadEndpoint, a.BlobID, w.cfg.LocalAuthToken); err == nil && present {
		return blobstore.AssignmentResult{
			RequestID: a.RequestID, AssigneeID: a.AssigneeID, BlobID: a.BlobID,
			Success: true, Message: "already present",
		}, true
	}

	body, err := os.ReadFile(job.BlobPath)
	if err != nil {
		return blobstore.AssignmentResult{
			RequestID: a.RequestID, AssigneeID: a.AssigneeID, BlobID: a.BlobID,
			Success: false, Message: fmt.Sprintf("reading blob body: %v", err),
		}, true
	}

	status, respBody, err := w.client.Upload(ctx, a.UploadEndpoint, body, w.cfg.LocalAuthToken)
	if err != nil {
		err = classifyTransportError(err)
		return blobstore.AssignmentResult{
			RequestID: a.RequestID, AssigneeID: a.AssigneeID, BlobID: a.BlobID,
			Success: false, Message: fmt.Sprintf("upload failed: %v", err),
		}, true
	}
	if status < 200 || status >= 300 {
		return blobstore.AssignmentResult{
			RequestID: a.RequestID, AssigneeID: a.AssigneeID, BlobID: a.BlobID,
			Success: false, Message: fmt.Sprintf("upload rejected: status %d: %s", status, truncate(respBody, 200)),
		}, true
	}
	return blobstore.AssignmentResult{
		RequestID: a.RequestID, AssigneeID: a.AssigneeID, BlobID: a.BlobID,
		Success: true,
	}, true
}

func (w *Worker) publishResult(result blobstore.AssignmentResult) {
	msg := gossip.ResultMessage{
		RequestID: result.RequestID, AssigneeID: result.AssigneeID, BlobID: result.BlobID,
		Success: result.Success, Message: result.Message,
	}
	env, err := envelope.Sign(string(gossip.TypeResult), msg, w.signer)
	if err != nil {
		log.Debugw("failed to sign assignment result, not publishing", "error", err)
		return
	}
	w.bus.Publish(env)
}

// awaitLateResults subscribes to the bus for Result messages carrying any
// request id referenced by job's assignments, appending each newly-seen
// result to the job file, then polls the job file every ResultPoll up to
// ReplicationWait, returning as soon as enough assignees have accepted or
// the window elapses (spec.md §4.G step 5).
func (w *Worker) awaitLateResults(ctx context.Context, jobPath string, job *blobstore.ReplicationJob) *blobstore.ReplicationJob {
	requestIDs := make(map[string]bool, len(job.Assignments))
	for _, a := range job.Assignments {
		requestIDs[a.RequestID] = true
	}

	var mu sync.Mutex
	unsubscribe := w.bus.Subscribe(func(env envelope.Signed) {
		if env.Wrapper.DelegationType != string(gossip.TypeResult) {
			return
		}
		var msg gossip.ResultMessage
		if err := envelope.DecodePayload(env.Wrapper, &msg); err != nil {
			return
		}
		if !requestIDs[msg.RequestID] {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		cur, err := blobstore.LoadJob(jobPath)
		if err != nil {
			return
		}
		for _, existing := range cur.AssignmentResults {
			if existing.RequestID == msg.RequestID && existing.AssigneeID == msg.AssigneeID {
				return
			}
		}
		cur.AssignmentResults = append(cur.AssignmentResults, blobstore.AssignmentResult{
			RequestID: msg.RequestID, AssigneeID: msg.AssigneeID, BlobID: msg.BlobID,
			Success: msg.Success, Message: msg.Message,
		})
		cur.Accepted = countAccepted(cur.AssignmentResults)
		_ = blobstore.SaveJob(jobPath, cur)
	})
	defer unsubscribe()

	deadline := time.Now().Add(w.cfg.ReplicationWait)
	ticker := time.NewTicker(w.cfg.ResultPoll)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		cur, err := blobstore.LoadJob(jobPath)
		if err == nil {
			job = cur
			if job.Accepted >= job.TargetReplicas {
				return job
			}
		}
		select {
		case <-ctx.Done():
			return job
		case <-ticker.C:
		}
	}

	if cur, err := blobstore.LoadJob(jobPath); err == nil {
		job = cur
	}
	return job
}

// classifyTransportError tags a transport failure with errdefs.ErrTimeout
// when it was caused by the upload client's request deadline, so callers
// further up the stack can distinguish a slow peer from any other failure
// via errors.Is instead of string-matching the message.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", errdefs.ErrTimeout, err)
	}
	return err
}

func countAccepted(results []blobstore.AssignmentResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
