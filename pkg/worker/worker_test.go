package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreadstar/meshrabiyad/pkg/blobstore"
	"github.com/dreadstar/meshrabiyad/pkg/delegation"
	"github.com/dreadstar/meshrabiyad/pkg/gossip"
	"github.com/dreadstar/meshrabiyad/pkg/scheduler"
)

type noopSigner struct{}

func (noopSigner) PublicKeyB64() (string, bool)       { return "", false }
func (noopSigner) Sign(payload []byte) (string, bool) { return "", false }

// newOrchestrator satisfies the shape Worker needs without a live bus: it
// is a real *delegation.Orchestrator over a bus that never answers, so
// ProcessJob never collects an offer and only keeps the job's pre-existing
// assignments.
func newOrchestrator(bus gossip.Bus) *delegation.Orchestrator {
	return delegation.New(bus, noopSigner{}, delegation.WithOfferWindow(5*time.Millisecond))
}

func writeBlob(t *testing.T, dir, id, body string) (blobPath, metaPath string) {
	t.Helper()
	blobPath = filepath.Join(dir, id+".blob")
	require.NoError(t, os.WriteFile(blobPath, []byte(body), 0o644))

	metaPath = filepath.Join(dir, id+".meta")
	meta := blobstore.Metadata{ID: id, Size: int64(len(body))}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath, data, 0o644))
	return
}

func TestWorker_SkipsOriginator(t *testing.T) {
	dir := t.TempDir()
	blobPath, metaPath := writeBlob(t, dir, "blob-origin", "payload")

	job := &blobstore.ReplicationJob{
		ID: "blob-origin", BlobPath: blobPath, MetaPath: metaPath,
		TargetReplicas: 1, OriginID: "origin", Status: blobstore.JobDelegated,
		Assignments: []blobstore.Assignment{{RequestID: "r1", AssigneeID: "origin", BlobID: "blob-origin"}},
	}
	jobPath := filepath.Join(dir, "blob-origin.job")
	require.NoError(t, blobstore.SaveJob(jobPath, job))

	bus := gossip.NoopBus{}
	w := New(newOrchestrator(bus), bus, noopSigner{}, Config{ReplicationWait: 20 * time.Millisecond, ResultPoll: 5 * time.Millisecond})

	outcome := w.Run(context.Background(), jobPath)
	require.Equal(t, scheduler.Retry, outcome)

	got, err := blobstore.LoadJob(jobPath)
	require.NoError(t, err)
	require.Equal(t, 0, got.Accepted)
	require.GreaterOrEqual(t, got.Attempts, 1)
	for _, r := range got.AssignmentResults {
		require.False(t, r.Success)
	}
}

func TestWorker_UnsupportedEndpoint(t *testing.T) {
	dir := t.TempDir()
	blobPath, metaPath := writeBlob(t, dir, "blob-bad", "payload")

	job := &blobstore.ReplicationJob{
		ID: "blob-bad", BlobPath: blobPath, MetaPath: metaPath,
		TargetReplicas: 1, OriginID: "origin", Status: blobstore.JobDelegated,
		Assignments: []blobstore.Assignment{{
			RequestID: "r1", AssigneeID: "peer1", BlobID: "blob-bad",
			UploadEndpoint: "onion://example.onion/upload",
		}},
	}
	jobPath := filepath.Join(dir, "blob-bad.job")
	require.NoError(t, blobstore.SaveJob(jobPath, job))

	bus := gossip.NoopBus{}
	w := New(newOrchestrator(bus), bus, noopSigner{}, Config{ReplicationWait: 20 * time.Millisecond, ResultPoll: 5 * time.Millisecond})

	outcome := w.Run(context.Background(), jobPath)
	require.Equal(t, scheduler.Retry, outcome)

	got, err := blobstore.LoadJob(jobPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(got.AssignmentResults), 1)
	require.False(t, got.AssignmentResults[0].Success)
	require.Equal(t, 0, got.Accepted)
}

func TestWorker_DeterministicConvergence(t *testing.T) {
	dir := t.TempDir()
	blobPath, metaPath := writeBlob(t, dir, "blob-det", "payload")

	job := &blobstore.ReplicationJob{
		ID: "blob-det", BlobPath: blobPath, MetaPath: metaPath,
		TargetReplicas: 2, OriginID: "origin", Status: blobstore.JobDelegated,
		Assignments: []blobstore.Assignment{
			{RequestID: "r1", AssigneeID: "peerA", BlobID: "blob-det"},
			{RequestID: "r1", AssigneeID: "peerB", BlobID: "blob-det"},
		},
	}
	jobPath := filepath.Join(dir, "blob-det.job")
	require.NoError(t, blobstore.SaveJob(jobPath, job))

	bus := gossip.NoopBus{}
	w := New(newOrchestrator(bus), bus, noopSigner{}, Config{
		ReplicationWait: 20 * time.Millisecond,
		ResultPoll:      5 * time.Millisecond,
		TestMode:        true,
	})

	outcome := w.Run(context.Background(), jobPath)
	require.Equal(t, scheduler.Success, outcome)

	got, err := blobstore.LoadJob(jobPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, got.Accepted, 2)
	require.Equal(t, blobstore.JobComplete, got.Status)
}

func TestWorker_Run_DoesNotDoubleCountAcceptedOnRetry(t *testing.T) {
	dir := t.TempDir()
	blobPath, metaPath := writeBlob(t, dir, "blob-retry", "payload")

	job := &blobstore.ReplicationJob{
		ID: "blob-retry", BlobPath: blobPath, MetaPath: metaPath,
		TargetReplicas: 2, OriginID: "origin", Status: blobstore.JobDelegated,
		Assignments: []blobstore.Assignment{{RequestID: "r1", AssigneeID: "peer1", BlobID: "blob-retry"}},
	}
	jobPath := filepath.Join(dir, "blob-retry.job")
	require.NoError(t, blobstore.SaveJob(jobPath, job))

	bus := gossip.NoopBus{}
	w := New(newOrchestrator(bus), bus, noopSigner{}, Config{
		ReplicationWait: 20 * time.Millisecond,
		ResultPoll:      5 * time.Millisecond,
		TestMode:        true,
	})

	// First pass: peer1's synthesized success is recorded; target_replicas=2
	// is still unmet with only one distinct assignee, so the job must retry.
	outcome := w.Run(context.Background(), jobPath)
	require.Equal(t, scheduler.Retry, outcome)

	got, err := blobstore.LoadJob(jobPath)
	require.NoError(t, err)
	require.Equal(t, 1, got.Accepted)
	require.Len(t, got.AssignmentResults, 1)

	// A scheduler retry re-enters Run against the same job file. peer1 must
	// not be uploaded to again, so Accepted stays at 1, not 2.
	outcome = w.Run(context.Background(), jobPath)
	require.Equal(t, scheduler.Retry, outcome)

	got, err = blobstore.LoadJob(jobPath)
	require.NoError(t, err)
	require.Equal(t, 1, got.Accepted)
	require.Len(t, got.AssignmentResults, 1, "peer1 must not be re-uploaded to once it has already accepted")
}

func TestWorker_UploadsToHTTPEndpoint(t *testing.T) {
	dir := t.TempDir()
	blobPath, metaPath := writeBlob(t, dir, "blob-http", "payload-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// The idempotency probe must miss so the worker actually POSTs.
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := &blobstore.ReplicationJob{
		ID: "blob-http", BlobPath: blobPath, MetaPath: metaPath,
		TargetReplicas: 1, OriginID: "origin", Status: blobstore.JobDelegated,
		Assignments: []blobstore.Assignment{{RequestID: "r1", AssigneeID: "peer1", BlobID: "blob-http", UploadEndpoint: srv.URL}},
	}
	jobPath := filepath.Join(dir, "blob-http.job")
	require.NoError(t, blobstore.SaveJob(jobPath, job))

	bus := gossip.NoopBus{}
	w := New(newOrchestrator(bus), bus, noopSigner{}, Config{ReplicationWait: 20 * time.Millisecond, ResultPoll: 5 * time.Millisecond})

	outcome := w.Run(context.Background(), jobPath)
	require.Equal(t, scheduler.Success, outcome)

	got, err := blobstore.LoadJob(jobPath)
	require.NoError(t, err)
	require.Equal(t, 1, got.Accepted)
}
