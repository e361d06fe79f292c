// Package delegation implements the Delegation Orchestrator from
// spec.md §4.F: it broadcasts a Resource Request over the gossip bus,
// collects Resource Offers within a bounded window, selects assignees, and
// writes Assignments back into the job file.
package delegation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dreadstar/meshrabiyad/pkg/blobstore"
	"github.com/dreadstar/meshrabiyad/pkg/gossip"
	"github.com/dreadstar/meshrabiyad/pkg/gossip/envelope"
)

var log = logging.Logger("delegation")

// DefaultOfferWindow is the default span spec.md §4.F/§6 gives peers to
// respond to a Resource Request.
const DefaultOfferWindow = 1000 * time.Millisecond

// Outcome is the result of processing a job's delegation.
type Outcome int

const (
	Delegated Outcome = iota
	NoOffers
)

// Signer is the capability the Orchestrator needs to sign outbound
// Resource Requests.
type Signer interface {
	PublicKeyB64() (string, bool)
	Sign(payload []byte) (string, bool)
}

// Orchestrator implements spec.md §4.F.
type Orchestrator struct {
	bus         gossip.Bus
	signer      Signer
	offerWindow time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithOfferWindow(d time.Duration) Option {
	return func(o *Orchestrator) { o.offerWindow = d }
}

// New builds an Orchestrator publishing Requests and collecting Offers over
// bus, signing outbound messages with signer.
func New(bus gossip.Bus, signer Signer, opts ...Option) *Orchestrator {
	o := &Orchestrator{bus: bus, signer: signer, offerWindow: DefaultOfferWindow}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessJob implements the five-step protocol of spec.md §4.F against the
// job file at jobPath.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobPath string) (Outcome, error) {
	job, err := blobstore.LoadJob(jobPath)
	if err != nil {
		return NoOffers, fmt.Errorf("loading job: %w", err)
	}

	meta, err := blobstore.LoadMetadata(job.MetaPath)
	if err != nil {
		return NoOffers, fmt.Errorf("loading blob metadata: %w", err)
	}

	requestID := uuid.NewString()
	req := gossip.ResourceRequest{
		RequestID:      requestID,
		BlobID:         job.ID,
		SizeBytes:      meta.Size,
		OriginatorID:   job.OriginID,
		TargetReplicas: job.TargetReplicas,
	}

	var (
		mu     sync.Mutex
		offers = map[string]gossip.ResourceOffer{} // offerer_id -> latest offer
		order  []string                            // insertion order, for stable tie-break
	)

	unsubscribe := o.bus.Subscribe(func(env envelope.Signed) {
		if env.Wrapper.DelegationType != string(gossip.TypeOffer) {
			return
		}
		var offer gossip.ResourceOffer
		if err := envelope.DecodePayload(env.Wrapper, &offer); err != nil {
			return
		}
		if offer.RequestID != requestID {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if _, seen := offers[offer.OffererID]; !seen {
			order = append(order, offer.OffererID)
		}
		// Duplicate offers from the same offerer within the window: the
		// later one supersedes (spec.md §4.F edge policy).
		offers[offer.OffererID] = offer
	})

	env, err := envelope.Sign(string(gossip.TypeRequest), req, o.signer)
	if err != nil {
		unsubscribe()
		return NoOffers, fmt.Errorf("signing request: %w", err)
	}
	o.bus.Publish(env)

	waitOfferWindow(ctx, o.offerWindow)
	unsubscribe()

	mu.Lock()
	collected := make([]gossip.ResourceOffer, 0, len(order))
	for _, id := range order {
		collected = append(collected, offers[id])
	}
	mu.Unlock()

	mergeOffers(job, collected)

	selected := selectOffers(collected, job.TargetReplicas)
	log.Debugw("delegation round complete", "job", job.ID, "request_id", requestID, "offers", len(collected), "selected", len(selected))

	if len(selected) == 0 && len(job.Assignments) == 0 {
		job.Status = blobstore.JobNoOffers
		if err := blobstore.SaveJob(jobPath, job); err != nil {
			return NoOffers, fmt.Errorf("saving job: %w", err)
		}
		return NoOffers, nil
	}

	if len(selected) == 0 {
		// Pre-existing assignments (test scaffolding or earlier partial
		// delegation): preserve them, never overwrite.
		job.Status = blobstore.JobDelegated
		if err := blobstore.SaveJob(jobPath, job); err != nil {
			return NoOffers, fmt.Errorf("saving job: %w", err)
		}
		return Delegated, nil
	}

	for _, offer := range selected {
		job.Assignments = append(job.Assignments, blobstore.Assignment{
			RequestID:       requestID,
			AssigneeID:      offer.OffererID,
			BlobID:          job.ID,
			CapabilityToken: uuid.NewString(),
		})
	}
	job.Status = blobstore.JobDelegated
	if err := blobstore.SaveJob(jobPath, job); err != nil {
		return NoOffers, fmt.Errorf("saving job: %w", err)
	}
	return Delegated, nil
}

func waitOfferWindow(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// mergeOffers writes newly-collected offers into job.Offers without
// discarding any offer already recorded there (non-destructive merge, per
// spec.md §4.F step 4).
func mergeOffers(job *blobstore.ReplicationJob, collected []gossip.ResourceOffer) {
	existing := make(map[string]bool, len(job.Offers))
	for _, o := range job.Offers {
		existing[o.OffererID] = true
	}
	for _, o := range collected {
		if existing[o.OffererID] {
			continue
		}
		job.Offers = append(job.Offers, blobstore.Offer{
			RequestID:          o.RequestID,
			OffererID:          o.OffererID,
			AvailableSpace:     o.AvailableSpace,
			EstimatedBandwidth: o.EstimatedBandwidth,
		})
	}
}

// selectOffers sorts by (estimated_bandwidth desc, available_space desc),
// ties broken by offer insertion order (a stable sort over the
// already-insertion-ordered slice achieves this), and takes the first
// targetReplicas (spec.md §4.F step 5).
func selectOffers(offers []gossip.ResourceOffer, targetReplicas int) []gossip.ResourceOffer {
	ranked := make([]gossip.ResourceOffer, len(offers))
	copy(ranked, offers)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].EstimatedBandwidth != ranked[j].EstimatedBandwidth {
			return ranked[i].EstimatedBandwidth > ranked[j].EstimatedBandwidth
		}
		return ranked[i].AvailableSpace > ranked[j].AvailableSpace
	})

	if len(ranked) > targetReplicas {
		ranked = ranked[:targetReplicas]
	}
	return ranked
}
