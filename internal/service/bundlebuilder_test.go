package service

import (
	"context"
	"testing"
	"time"

	"github.com/toolgate/gateway/internal/port/outbound"
)

func waitForSnapshot(t *testing.T, b *BundleBuilder) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.CurrentBundle() != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("builder never published a snapshot")
}

func TestBundleBuilder_StampsEvaluatorURLAndToken(t *testing.T) {
	store, _ := newTestStore(t)

	b := NewBundleBuilder(store, stalledSubscriber{}, WithEvaluatorURL("http://npl:12000"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)
	waitForSnapshot(t, b)

	snap := b.CurrentBundle()
	if snap.GovernanceEvaluatorURL != "http://npl:12000" {
		t.Fatalf("expected evaluator url stamped, got %q", snap.GovernanceEvaluatorURL)
	}
	if snap.BundleToken == "" {
		t.Fatal("expected a bundle token")
	}
	if snap.Revision == 0 {
		t.Fatal("expected a non-zero revision")
	}
}

func TestBundleBuilder_RebuildHookSeesMonotonicRevisions(t *testing.T) {
	store, _ := newTestStore(t)

	revisions := make(chan uint64, 8)
	b := NewBundleBuilder(store, stalledSubscriber{}, WithRebuildHook(func(rev uint64) {
		select {
		case revisions <- rev:
		default:
		}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	var prev uint64
	for i := 0; i < 2; i++ {
		select {
		case rev := <-revisions:
			if rev <= prev {
				t.Fatalf("revision %d not greater than %d", rev, prev)
			}
			prev = rev
		case <-time.After(2 * time.Second):
			t.Fatalf("rebuild hook fired %d times, expected at least 2", i)
		}
	}
}

// stalledSubscriber delivers no events, isolating the initial-build path.
type stalledSubscriber struct{}

func (stalledSubscriber) Subscribe(ctx context.Context) (<-chan outbound.ChangeEvent, error) {
	return make(chan outbound.ChangeEvent), nil
}
