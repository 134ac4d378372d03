package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/toolgate/gateway/internal/domain/bundle"
	"github.com/toolgate/gateway/internal/port/outbound"
)

// DebounceWindow coalesces rapid successive change events into a single
// rebuild, bounding churn under a burst of admin mutations.
const DebounceWindow = 100 * time.Millisecond

// BundleBuilder owns the cached bundle served to Decision Engines. It
// subscribes to the Policy Store's change stream and republishes an
// immutable snapshot behind an atomic pointer on every (debounced) change.
type BundleBuilder struct {
	store        *PolicyStore
	subscriber   outbound.ChangeSubscriber
	evaluatorURL string
	onRebuild    func(revision uint64)

	current  atomic.Pointer[bundle.Snapshot]
	revision atomic.Uint64
}

// BuilderOption configures a BundleBuilder at construction time.
type BuilderOption func(*BundleBuilder)

// WithEvaluatorURL sets the governance evaluator URL stamped into every
// published snapshot.
func WithEvaluatorURL(url string) BuilderOption {
	return func(b *BundleBuilder) { b.evaluatorURL = url }
}

// WithRebuildHook registers fn to run after every published rebuild, with
// the new revision. Wired to the bundle metrics by the startup code.
func WithRebuildHook(fn func(revision uint64)) BuilderOption {
	return func(b *BundleBuilder) { b.onRebuild = fn }
}

func NewBundleBuilder(store *PolicyStore, subscriber outbound.ChangeSubscriber, opts ...BuilderOption) *BundleBuilder {
	b := &BundleBuilder{store: store, subscriber: subscriber}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CurrentBundle is the single read API: a lock-free pointer load. Decision
// Engines call this on every request; it is never nil after Start has run
// at least once successfully, and is nil (fail-closed) before that.
func (b *BundleBuilder) CurrentBundle() *bundle.Snapshot {
	return b.current.Load()
}

// Start performs the initial build and then runs the subscribe/rebuild loop
// until ctx is cancelled. It blocks; callers run it in a goroutine.
func (b *BundleBuilder) Start(ctx context.Context) {
	b.rebuild()
	b.subscribeLoop(ctx)
}

func (b *BundleBuilder) subscribeLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		events, err := b.subscriber.Subscribe(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}
		// Connected: reset backoff and do a full resync, since we may have
		// missed events while reconnecting.
		backoff = time.Second
		b.rebuild()
		b.drainDebounced(ctx, events)
	}
}

// drainDebounced coalesces bursts of change events into single rebuilds:
// after the first event, wait DebounceWindow for quiet before rebuilding,
// absorbing any events that arrive during the window.
func (b *BundleBuilder) drainDebounced(ctx context.Context, events <-chan outbound.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return // subscription dropped; subscribeLoop will reconnect
			}
			b.waitQuietThenRebuild(ctx, events)
		}
	}
}

func (b *BundleBuilder) waitQuietThenRebuild(ctx context.Context, events <-chan outbound.ChangeEvent) {
	timer := time.NewTimer(DebounceWindow)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			b.rebuild()
			return
		case _, ok := <-events:
			if !ok {
				b.rebuild()
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(DebounceWindow)
		}
	}
}

func (b *BundleBuilder) rebuild() {
	state := b.store.GetBundleData()
	rev := b.revision.Add(1)
	b.current.Store(&bundle.Snapshot{
		Revision:               rev,
		Catalog:                state.Catalog,
		AccessRules:            state.AccessRules,
		RevokedSubjects:        state.RevokedSubjects,
		GovernanceInstances:    state.GovernanceInstances,
		GovernanceEvaluatorURL: b.evaluatorURL,
		BundleToken:            uuid.NewString(),
		BuiltAt:                time.Now(),
	})
	if b.onRebuild != nil {
		b.onRebuild(rev)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
