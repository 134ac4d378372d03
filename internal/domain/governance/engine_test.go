package governance

import (
	"testing"
	"time"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		ids := []string{"req-1", "req-2", "req-3", "req-4"}
		return ids[(n-1)%len(ids)]
	}
}

var sampleArgs = map[string]any{"date": "2026-08-01"}

func TestEngine_FirstCallIsPending(t *testing.T) {
	e := NewEngine("mock-calendar", WithIDGenerator(sequentialIDs()))

	dec, err := e.Evaluate("jarvis@acme.com", "delete_event", nil, sampleArgs, "sess-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Kind != KindPending || dec.RequestID != "req-1" {
		t.Fatalf("expected pending req-1, got %+v", dec)
	}

	// Identical retry before any decision: still pending, same id.
	dec2, err := e.Evaluate("jarvis@acme.com", "delete_event", nil, sampleArgs, "sess-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec2.Kind != KindPending || dec2.RequestID != dec.RequestID {
		t.Fatalf("expected same pending request on retry, got %+v", dec2)
	}
}

func TestEngine_ApprovalConsumedExactlyOnce(t *testing.T) {
	e := NewEngine("mock-calendar", WithIDGenerator(sequentialIDs()))

	dec, _ := e.Evaluate("jarvis@acme.com", "delete_event", nil, sampleArgs, "sess-1", nil)
	if err := e.Approve(dec.RequestID, "admin@acme.com"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	allow, err := e.Evaluate("jarvis@acme.com", "delete_event", nil, sampleArgs, "sess-1", nil)
	if err != nil || allow.Kind != KindAllow {
		t.Fatalf("expected allow after approval, got %+v err=%v", allow, err)
	}

	// Same arguments again: the approval was spent, so this opens a fresh
	// pending request rather than granting access again.
	again, err := e.Evaluate("jarvis@acme.com", "delete_event", nil, sampleArgs, "sess-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Kind != KindPending || again.RequestID == allow.RequestID {
		t.Fatalf("expected a new pending request after consumption, got %+v", again)
	}
}

func TestEngine_DenialConsumedExactlyOnceThenFreshPending(t *testing.T) {
	e := NewEngine("mock-calendar", WithIDGenerator(sequentialIDs()))

	dec, _ := e.Evaluate("jarvis@acme.com", "delete_event", nil, sampleArgs, "sess-1", nil)
	if err := e.Deny(dec.RequestID, "admin@acme.com", "not authorized for deletes"); err != nil {
		t.Fatalf("deny failed: %v", err)
	}

	deny, err := e.Evaluate("jarvis@acme.com", "delete_event", nil, sampleArgs, "sess-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deny.Kind != KindDeny || deny.RequestID != dec.RequestID || deny.Message != "not authorized for deletes" {
		t.Fatalf("expected consumed deny on first retry, got %+v", deny)
	}

	// The denial was spent, so a further identical retry opens a fresh
	// pending request rather than repeating the denial.
	again, err := e.Evaluate("jarvis@acme.com", "delete_event", nil, sampleArgs, "sess-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Kind != KindPending || again.RequestID == dec.RequestID {
		t.Fatalf("expected a new pending request after denial consumption, got %+v", again)
	}
}

func TestEngine_DefaultIDsAreMonotonicREQ(t *testing.T) {
	e := NewEngine("mock-calendar")

	first, _ := e.Evaluate("u1", "tool", nil, map[string]any{"x": 1}, "sess", nil)
	second, _ := e.Evaluate("u1", "tool", nil, map[string]any{"x": 2}, "sess", nil)
	if first.RequestID != "REQ-1" || second.RequestID != "REQ-2" {
		t.Fatalf("expected REQ-1 then REQ-2, got %q and %q", first.RequestID, second.RequestID)
	}
}

func TestEngine_QueuedForExecutionAndResult(t *testing.T) {
	e := NewEngine("mock-calendar", WithIDGenerator(sequentialIDs()))
	args := map[string]any{"x": 1}

	dec, _ := e.Evaluate("u1", "tool", nil, args, "sess", nil)
	if _, err := e.ExecutionResult(dec.RequestID); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState while pending, got %v", err)
	}
	if err := e.Approve(dec.RequestID, "admin"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	queued := e.ListQueuedForExecution()
	if len(queued) != 1 || queued[0].RequestID != dec.RequestID {
		t.Fatalf("expected the approved request queued for execution, got %+v", queued)
	}

	// Consuming the approval empties the queue; the result view still
	// reports the terminal status and consumption.
	if allow, _ := e.Evaluate("u1", "tool", nil, args, "sess", nil); allow.Kind != KindAllow {
		t.Fatalf("expected allow, got %+v", allow)
	}
	if queued := e.ListQueuedForExecution(); len(queued) != 0 {
		t.Fatalf("expected empty queue after consumption, got %+v", queued)
	}
	res, err := e.ExecutionResult(dec.RequestID)
	if err != nil {
		t.Fatalf("execution result: %v", err)
	}
	if res.Status != StatusApproved || !res.DecisionConsumed || res.Approver != "admin" {
		t.Fatalf("unexpected execution result %+v", res)
	}
}

func TestEngine_ApproveDenyInvalidTransitions(t *testing.T) {
	e := NewEngine("mock-calendar", WithIDGenerator(sequentialIDs()))
	args := map[string]any{"x": 1}

	dec, _ := e.Evaluate("u1", "tool", nil, args, "sess", nil)
	if err := e.Approve(dec.RequestID, "admin"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if err := e.Approve(dec.RequestID, "admin"); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState on double approve, got %v", err)
	}
	if err := e.Deny("does-not-exist", "admin", "no"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_GCRemovesOldResolvedRequests(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := base
	e := NewEngine("mock-calendar",
		WithIDGenerator(sequentialIDs()),
		WithClock(func() time.Time { return clock }),
	)
	args := map[string]any{"x": 1}

	dec, _ := e.Evaluate("u1", "tool", nil, args, "sess", nil)
	if err := e.Deny(dec.RequestID, "admin", "no"); err != nil {
		t.Fatalf("deny failed: %v", err)
	}

	clock = base.Add(2 * time.Hour)
	if removed := e.GC(time.Hour); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := e.Get(dec.RequestID); err != ErrNotFound {
		t.Fatalf("expected request to be gone after GC, got err=%v", err)
	}
}

func TestEngine_ListPendingOrdersByCreation(t *testing.T) {
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := base
	e := NewEngine("mock-calendar",
		WithIDGenerator(sequentialIDs()),
		WithClock(func() time.Time { return clock }),
	)

	args1 := map[string]any{"x": 1}
	args2 := map[string]any{"x": 2}
	d1, _ := Digest(args1)
	d2, _ := Digest(args2)

	e.Evaluate("u1", "tool", nil, args1, "sess", nil)
	clock = base.Add(time.Minute)
	e.Evaluate("u1", "tool", nil, args2, "sess", nil)

	pending := e.ListPending()
	if len(pending) != 2 || pending[0].ArgumentsDigest != d1 || pending[1].ArgumentsDigest != d2 {
		t.Fatalf("expected requests ordered by creation time, got %+v", pending)
	}
}
