package gossip

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dreadstar/meshrabiyad/pkg/errdefs"
	"github.com/dreadstar/meshrabiyad/pkg/gossip/envelope"
)

var log = logging.Logger("gossip")

// Listener is invoked for every inbound Signed Envelope a Bus accepts.
// Per spec.md §5, listener invocation must be synchronous-and-fast from the
// bus's perspective; a listener that needs to do real work should hand off
// to its own goroutine/queue rather than block here.
type Listener func(env envelope.Signed)

// Bus is the abstract best-effort publish/subscribe contract of spec.md
// §4.E. Publish never blocks on delivery and never panics; Subscribe
// returns an unsubscribe function, and registration/removal are
// thread-safe.
type Bus interface {
	Publish(env envelope.Signed)
	Subscribe(l Listener) (unsubscribe func())
}

// NoopBus is used when no mesh transport is attached. Publish logs and
// discards; Subscribe never fires, matching spec.md §4.E's "no-op backend"
// requirement.
type NoopBus struct{}

func (NoopBus) Publish(env envelope.Signed) {
	log.Debugw("noop bus discarding publish", "type", env.Wrapper.DelegationType)
}

func (NoopBus) Subscribe(Listener) (unsubscribe func()) {
	return func() {}
}

var _ Bus = NoopBus{}

// listenerSet is a thread-safe, copy-on-iterate registry shared by the two
// concrete backends below, grounded on the teacher's jobCountLock /
// copy-before-iterate discipline (lib/jobqueue/worker).
type listenerSet struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

func newListenerSet() *listenerSet {
	return &listenerSet{listeners: make(map[int]Listener)}
}

func (ls *listenerSet) add(l Listener) (unsubscribe func()) {
	ls.mu.Lock()
	id := ls.nextID
	ls.nextID++
	ls.listeners[id] = l
	ls.mu.Unlock()

	return func() {
		ls.mu.Lock()
		delete(ls.listeners, id)
		ls.mu.Unlock()
	}
}

func (ls *listenerSet) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Listener, 0, len(ls.listeners))
	for _, l := range ls.listeners {
		out = append(out, l)
	}
	return out
}

// MMCPBus is the typed adapter: it verifies every inbound envelope's
// signature and drops it silently on failure, then dispatches the verified
// envelope to every registered listener (spec.md §4.E, §4.D).
type MMCPBus struct {
	listeners *listenerSet
	verify    envelope.Verifier
}

// NewMMCPBus builds an MMCPBus that verifies signatures with verify.
func NewMMCPBus(verify envelope.Verifier) *MMCPBus {
	return &MMCPBus{listeners: newListenerSet(), verify: verify}
}

func (b *MMCPBus) Publish(env envelope.Signed) {
	if !envelope.Verify(env, b.verify) {
		err := fmt.Errorf("%w: envelope type %s", errdefs.ErrVerificationFailed, env.Wrapper.DelegationType)
		if errors.Is(err, errdefs.ErrVerificationFailed) {
			log.Debugw("mmcp bus dropping envelope", "error", err)
		}
		return
	}
	for _, l := range b.listeners.snapshot() {
		l(env)
	}
}

func (b *MMCPBus) Subscribe(l Listener) (unsubscribe func()) {
	return b.listeners.add(l)
}

var _ Bus = (*MMCPBus)(nil)

// FlowBus is the verbatim-JSON adapter: it forwards inbound envelopes
// without verification (so downstream consumers can re-sign or audit the
// exact bytes received) and replays the most recent envelope per request id
// to listeners that subscribe late (spec.md §4.E).
type FlowBus struct {
	listeners *listenerSet
	mu        sync.Mutex
	latest    map[string]envelope.Signed
}

// NewFlowBus builds an empty FlowBus.
func NewFlowBus() *FlowBus {
	return &FlowBus{listeners: newListenerSet(), latest: make(map[string]envelope.Signed)}
}

func (b *FlowBus) Publish(env envelope.Signed) {
	if id := requestIDOf(env); id != "" {
		b.mu.Lock()
		b.latest[id] = env
		b.mu.Unlock()
	}
	for _, l := range b.listeners.snapshot() {
		l(env)
	}
}

// Subscribe registers l and immediately replays the most recent envelope
// for every request id seen so far, matching spec.md §4.E's late-subscriber
// replay requirement.
func (b *FlowBus) Subscribe(l Listener) (unsubscribe func()) {
	unsub := b.listeners.add(l)

	b.mu.Lock()
	replay := make([]envelope.Signed, 0, len(b.latest))
	for _, env := range b.latest {
		replay = append(replay, env)
	}
	b.mu.Unlock()

	for _, env := range replay {
		l(env)
	}
	return unsub
}

var _ Bus = (*FlowBus)(nil)

func requestIDOf(env envelope.Signed) string {
	var withID struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(env.Wrapper.Payload, &withID); err != nil {
		return ""
	}
	return withID.RequestID
}
