// Package registrytest provides a conformance suite run against every
// registry.Registry implementation.
package registrytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/johanste/lightningapi/notify"
	"github.com/johanste/lightningapi/registry"
)

// RegistryFactory creates a fresh Registry instance for testing.
type RegistryFactory func(t *testing.T) registry.Registry

// RunRegistryTests runs the complete Registry test suite against the
// provided factory.
func RunRegistryTests(t *testing.T, factory RegistryFactory) {
	t.Run("Register_MultipleListenersPerSession", func(t *testing.T) { testMultipleListeners(t, factory) })
	t.Run("Register_RecordsSubject", func(t *testing.T) { testRecordsSubject(t, factory) })
	t.Run("Unregister_RemovesOnlyThatListener", func(t *testing.T) { testUnregisterRemovesOne(t, factory) })
	t.Run("Unregister_DoubleCloseFails", func(t *testing.T) { testDoubleClose(t, factory) })
	t.Run("Subscriptions_AddIsIdempotent", func(t *testing.T) { testAddSubscriptionIdempotent(t, factory) })
	t.Run("Subscriptions_RemoveForgets", func(t *testing.T) { testRemoveSubscription(t, factory) })
	t.Run("Listeners_EmptySetIsNotAnError", func(t *testing.T) { testEmptyListenerSet(t, factory) })
	t.Run("Listeners_SnapshotExcludesLaterRegistrations", func(t *testing.T) { testSnapshotSemantics(t, factory) })
	t.Run("Sessions_IsolatedByID", func(t *testing.T) { testSessionIsolation(t, factory) })
}

// recordingListener collects delivered frames.
type recordingListener struct {
	mu     sync.Mutex
	frames [][]byte
}

func (l *recordingListener) Deliver(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, append([]byte(nil), frame...))
	return nil
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func subj(sessionID string) notify.Subject {
	return notify.Subject{SubscriptionID: "sub-test", SessionID: sessionID}
}

func testMultipleListeners(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l1 := &recordingListener{}
	l2 := &recordingListener{}
	if _, err := r.Register(ctx, subj("S1"), l1); err != nil {
		t.Fatalf("register l1: %v", err)
	}
	// Registering a second listener under an existing session id is not an
	// error; multiple listeners per session are required.
	if _, err := r.Register(ctx, subj("S1"), l2); err != nil {
		t.Fatalf("register l2: %v", err)
	}

	ls, err := r.ListenersFor(ctx, "S1")
	if err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if len(ls) != 2 {
		t.Fatalf("expected 2 listeners, got %d", len(ls))
	}
}

func testRecordsSubject(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.Register(ctx, notify.Subject{SubscriptionID: "acct-9", SessionID: "S-subj"}, &recordingListener{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok, err := r.SubjectFor(ctx, "S-subj")
	if err != nil {
		t.Fatalf("subject: %v", err)
	}
	if !ok {
		t.Fatal("expected recorded subject")
	}
	if got.SubscriptionID != "acct-9" || got.SessionID != "S-subj" {
		t.Fatalf("subject mismatch: %+v", got)
	}
}

func testUnregisterRemovesOne(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h1, err := r.Register(ctx, subj("S2"), &recordingListener{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(ctx, subj("S2"), &recordingListener{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Unregister(ctx, h1); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	ls, err := r.ListenersFor(ctx, "S2")
	if err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if len(ls) != 1 {
		t.Fatalf("expected 1 remaining listener, got %d", len(ls))
	}
}

func testDoubleClose(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := r.Register(ctx, subj("S3"), &recordingListener{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(ctx); err == nil {
		t.Fatal("expected error on second close")
	}
}

func testAddSubscriptionIdempotent(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.AddSubscription(ctx, "S4", "N1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.AddSubscription(ctx, "S4", "N1"); err != nil {
		t.Fatalf("add again: %v", err)
	}

	ok, err := r.HasSubscription(ctx, "S4", "N1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !ok {
		t.Fatal("expected outstanding subscription")
	}

	// Removing once must fully forget the pair: two adds were one
	// subscription.
	if err := r.RemoveSubscription(ctx, "S4", "N1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ok, err = r.HasSubscription(ctx, "S4", "N1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatal("expected subscription forgotten after single remove")
	}
}

func testRemoveSubscription(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Removing a pair that was never added is a no-op, not an error.
	if err := r.RemoveSubscription(ctx, "S5", "never-added"); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}

	if err := r.AddSubscription(ctx, "S5", "N1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.AddSubscription(ctx, "S5", "N2"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.RemoveSubscription(ctx, "S5", "N1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ok, err := r.HasSubscription(ctx, "S5", "N2")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !ok {
		t.Fatal("removing N1 must not forget N2")
	}
}

func testEmptyListenerSet(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ls, err := r.ListenersFor(ctx, "nobody-home")
	if err != nil {
		t.Fatalf("listeners for unknown session: %v", err)
	}
	if len(ls) != 0 {
		t.Fatalf("expected empty set, got %d", len(ls))
	}
}

func testSnapshotSemantics(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l1 := &recordingListener{}
	if _, err := r.Register(ctx, subj("S6"), l1); err != nil {
		t.Fatalf("register: %v", err)
	}

	snapshot, err := r.ListenersFor(ctx, "S6")
	if err != nil {
		t.Fatalf("listeners: %v", err)
	}

	// A listener registered after the snapshot must not appear in it.
	l2 := &recordingListener{}
	if _, err := r.Register(ctx, subj("S6"), l2); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, l := range snapshot {
		_ = l.Deliver(ctx, []byte("frame"))
	}
	if l1.count() != 1 {
		t.Fatalf("l1 deliveries: %d", l1.count())
	}
	if l2.count() != 0 {
		t.Fatalf("late listener received snapshot delivery: %d", l2.count())
	}
}

func testSessionIsolation(t *testing.T, factory RegistryFactory) {
	r := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	la := &recordingListener{}
	lb := &recordingListener{}
	if _, err := r.Register(ctx, subj("SA"), la); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(ctx, subj("SB"), lb); err != nil {
		t.Fatalf("register: %v", err)
	}

	ls, err := r.ListenersFor(ctx, "SA")
	if err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if len(ls) != 1 {
		t.Fatalf("expected 1 listener for SA, got %d", len(ls))
	}

	if err := r.AddSubscription(ctx, "SA", "N1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	ok, err := r.HasSubscription(ctx, "SB", "N1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatal("subscription leaked across sessions")
	}
}
