// Package blobstore implements the on-disk content + metadata +
// replication-job store described in spec.md §4.A. It owns every file under
// the blobs directory; the Worker and Orchestrator packages read and
// atomically rewrite job files through the helpers here but never touch
// blob or meta bodies directly.
package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dreadstar/meshrabiyad/pkg/errdefs"
)

var log = logging.Logger("blobstore")

// DefaultMaxBlobSize is the default cap on ingested blob size (10 MiB), per
// spec.md §3.
const DefaultMaxBlobSize int64 = 10 * 1024 * 1024

// DefaultMaxRangeBytes caps the length of a single read_range response.
const DefaultMaxRangeBytes int64 = 64 * 1024

// DefaultTargetReplicas, DefaultMaxAcceptances, DefaultMaxHops are the
// per-job defaults from spec.md §6.
const (
	DefaultTargetReplicas = 3
	DefaultMaxAcceptances = 5
	DefaultMaxHops        = 3
)

// Signer is the subset of pkg/signer.Signer the Blob Store needs to stamp a
// receipt at ingestion time.
type Signer interface {
	PublicKeyB64() (string, bool)
}

// Receipts is the subset of pkg/receiptstore.Ledger the Blob Store needs.
type Receipts interface {
	Append(blobID, publicKeyB64 string) error
}

// Scheduler is the subset of pkg/scheduler.Scheduler the Blob Store needs to
// enqueue a freshly ingested job.
type Scheduler interface {
	Schedule(jobPath string) error
}

// Store implements the Blob Store component (spec.md §4.A).
type Store struct {
	baseDir       string
	maxBlobSize   int64
	maxRangeBytes int64
	signer        Signer
	receipts      Receipts
	scheduler     Scheduler
}

// Option configures a Store.
type Option func(*Store)

func WithMaxBlobSize(n int64) Option {
	return func(s *Store) { s.maxBlobSize = n }
}

func WithMaxRangeBytes(n int64) Option {
	return func(s *Store) { s.maxRangeBytes = n }
}

// New creates a Store rooted at baseDir, creating the directory if needed.
func New(baseDir string, signer Signer, receipts Receipts, scheduler Scheduler, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob store directory: %w", err)
	}
	s := &Store{
		baseDir:       baseDir,
		maxBlobSize:   DefaultMaxBlobSize,
		maxRangeBytes: DefaultMaxRangeBytes,
		signer:        signer,
		receipts:      receipts,
		scheduler:     scheduler,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) blobPath(id string) string { return filepath.Join(s.baseDir, BlobFileName(id)) }
func (s *Store) metaPath(id string) string { return filepath.Join(s.baseDir, MetaFileName(id)) }
func (s *Store) jobPath(id string) string  { return filepath.Join(s.baseDir, JobFileName(id)) }

// JobPath returns the path a job file for blobID would live at.
func (s *Store) JobPath(blobID string) string { return s.jobPath(blobID) }

// sizeLimitedReader caps the number of bytes read from r, signalling
// errdefs.ErrTooLarge the moment the running total exceeds the limit.
type sizeLimitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (l *sizeLimitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		l.read += int64(n)
		if l.read > l.limit {
			return n, errdefs.ErrTooLarge
		}
	}
	return n, err
}

// Ingest streams reader into a freshly-generated blob id, writing
// body/meta/job files atomically and appending a receipt. Per invariant I1,
// the three files either all exist or none does: the temp blob file is
// fsynced and renamed before meta/job are created, and is deleted outright
// on any failure (including TooLarge).
func (s *Store) Ingest(ctx context.Context, r io.Reader, ownerID string, ownerTags map[string]string) (string, error) {
	id := uuid.NewString()
	tmpPath := filepath.Join(s.baseDir, id+".blob.tmp")

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("%w: creating temp file: %v", errdefs.ErrIO, err)
	}

	limited := &sizeLimitedReader{r: r, limit: s.maxBlobSize}
	written, copyErr := io.Copy(tmp, limited)
	closeErr := tmp.Close()

	if copyErr != nil {
		os.Remove(tmpPath)
		if copyErr == errdefs.ErrTooLarge {
			return "", errdefs.ErrTooLarge
		}
		return "", fmt.Errorf("%w: streaming blob body: %v", errdefs.ErrIO, copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: closing temp file: %v", errdefs.ErrIO, closeErr)
	}

	if err := fsyncPath(tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: fsyncing temp file: %v", errdefs.ErrIO, err)
	}

	finalPath := s.blobPath(id)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: renaming blob into place: %v", errdefs.ErrIO, err)
	}
	if err := fsyncDir(s.baseDir); err != nil {
		// The blob is already durably in place; a directory-entry fsync
		// failure is logged but not fatal to the ingestion.
		log.Warnw("fsync blob directory failed", "error", err)
	}

	meta := Metadata{
		ID:        id,
		Size:      written,
		CreatedAt: time.Now().UTC(),
		OwnerID:   ownerID,
		OwnerTags: ownerTags,
	}
	if err := writeJSONFile(s.metaPath(id), meta); err != nil {
		return "", fmt.Errorf("%w: writing metadata: %v", errdefs.ErrIO, err)
	}

	job := ReplicationJob{
		ID:             id,
		BlobPath:       finalPath,
		MetaPath:       s.metaPath(id),
		CreatedAt:      meta.CreatedAt,
		TargetReplicas: DefaultTargetReplicas,
		MaxAcceptances: DefaultMaxAcceptances,
		MaxHops:        DefaultMaxHops,
		Status:         JobPending,
		OriginID:       ownerID,
	}
	jobPath := s.jobPath(id)
	if err := writeJSONFile(jobPath, job); err != nil {
		return "", fmt.Errorf("%w: writing job file: %v", errdefs.ErrIO, err)
	}

	pubKey, ok := s.signer.PublicKeyB64()
	if !ok {
		pubKey = ""
	}
	if err := s.receipts.Append(id, pubKey); err != nil {
		log.Errorw("appending receipt failed", "blob_id", id, "error", err)
	}

	if s.scheduler != nil {
		if err := s.scheduler.Schedule(jobPath); err != nil {
			log.Errorw("scheduling replication job failed", "blob_id", id, "error", err)
		}
	}

	return id, nil
}

// Open returns a reader over the full body of the blob identified by id.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	return f, nil
}

// Stat reads the metadata record for id without opening the blob body.
func (s *Store) Stat(id string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return m, errdefs.ErrNotFound
		}
		return m, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: decoding metadata: %v", errdefs.ErrInternal, err)
	}
	return m, nil
}

// ReadRange returns up to length bytes starting at offset. length is capped
// at the store's configured maximum; offset >= size returns an empty slice.
func (s *Store) ReadRange(id string, offset, length int64) ([]byte, error) {
	if length > s.maxRangeBytes {
		length = s.maxRangeBytes
	}
	if length < 0 {
		return nil, errdefs.ErrOutOfRange
	}

	f, err := os.Open(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	if offset < 0 {
		return nil, errdefs.ErrOutOfRange
	}
	if offset >= info.Size() {
		return []byte{}, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	return buf[:n], nil
}

// LoadJob reads and decodes the job file for the given path.
func LoadJob(jobPath string) (*ReplicationJob, error) {
	data, err := os.ReadFile(jobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	var job ReplicationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: decoding job: %v", errdefs.ErrInternal, err)
	}
	return &job, nil
}

// SaveJob atomically rewrites the job file at jobPath: write-temp, fsync,
// rename, matching the discipline spec.md §4.G mandates for every job-file
// update.
func SaveJob(jobPath string, job *ReplicationJob) error {
	return writeJSONFile(jobPath, job)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := fsyncPath(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("fsyncing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	if err := fsyncDir(filepath.Dir(path)); err != nil {
		log.Warnw("fsync directory failed", "path", path, "error", err)
	}
	return nil
}

func fsyncPath(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
