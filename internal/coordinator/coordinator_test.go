package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convolock/convolock/internal/llm"
	"github.com/convolock/convolock/internal/locks"
	"github.com/convolock/convolock/internal/storage"
	"github.com/convolock/convolock/pkg/models"
)

// fakeProvider is a scriptable inference backend.
type fakeProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	delay    time.Duration
	block    chan struct{} // when set, Complete waits for close or ctx
	requests []*llm.Request
	calls    atomic.Int32
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply, err, delay, block := f.reply, f.err, f.delay, f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: reply, Model: "fake-model", StopReason: "end_turn"}, nil
}

// failingStore rejects every write.
type failingStore struct{}

func (failingStore) AppendExchange(ctx context.Context, exchange *models.Exchange) error {
	return errors.New("disk full")
}

func (failingStore) History(ctx context.Context, id models.ConversationID, limit int) ([]*models.Exchange, error) {
	return nil, errors.New("disk full")
}

func (failingStore) Close() error { return nil }

func newTestCoordinator(provider llm.Provider, store storage.TranscriptStore, config Config) (*Coordinator, *locks.Registry) {
	registry := locks.NewRegistry()
	return New(registry, provider, store, nil, nil, config), registry
}

func TestCoordinator_HandleCompletes(t *testing.T) {
	provider := &fakeProvider{reply: "hello there"}
	store := storage.NewMemoryStore()
	coord, registry := newTestCoordinator(provider, store, Config{})

	result := coord.Handle(context.Background(), "conv-1", "hi")

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", result.Status, result.Err)
	}
	if result.Reply != "hello there" {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	if result.Model != "fake-model" {
		t.Errorf("unexpected model: %q", result.Model)
	}

	lock, ok := registry.Get("conv-1")
	if !ok {
		t.Fatal("registry entry missing after handle")
	}
	if lock.Held() {
		t.Error("lock still held after completion")
	}

	history, err := store.History(context.Background(), "conv-1", 10)
	if err != nil {
		t.Fatalf("history read failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 persisted exchange, got %d", len(history))
	}
	if history[0].UserMessage != "hi" || history[0].AssistantReply != "hello there" {
		t.Errorf("persisted exchange mismatch: %+v", history[0])
	}
}

func TestCoordinator_BusyFanOut(t *testing.T) {
	block := make(chan struct{})
	provider := &fakeProvider{reply: "done", block: block}
	coord, registry := newTestCoordinator(provider, nil, Config{CallDeadline: 5 * time.Second})

	const concurrent = 50
	results := make(chan Status, concurrent)

	var wg sync.WaitGroup
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- coord.Handle(context.Background(), "conv-1", "msg").Status
		}()
	}

	// Wait for exactly one goroutine to get into the provider, then let
	// it finish.
	deadline := time.Now().Add(2 * time.Second)
	for provider.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no request reached the provider")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let the rest hit the busy path
	close(block)
	wg.Wait()
	close(results)

	completed, busy := 0, 0
	for status := range results {
		switch status {
		case StatusCompleted:
			completed++
		case StatusBusy:
			busy++
		default:
			t.Errorf("unexpected status: %s", status)
		}
	}
	if completed < 1 {
		t.Errorf("expected at least 1 completion, got %d", completed)
	}
	if completed+busy != concurrent {
		t.Errorf("expected %d total outcomes, got completed=%d busy=%d", concurrent, completed, busy)
	}
	if got := int(provider.calls.Load()); got != completed {
		t.Errorf("provider saw %d calls but %d completed", got, completed)
	}

	if lock, _ := registry.Get("conv-1"); lock.Held() {
		t.Error("lock still held after fan-out drained")
	}

	// The conversation accepts messages again.
	if result := coord.Handle(context.Background(), "conv-1", "again").Status; result != StatusCompleted {
		t.Errorf("expected completion after drain, got %s", result)
	}
}

func TestCoordinator_TimeoutReleasesLock(t *testing.T) {
	// The provider never answers; every call must be cut off by the
	// call deadline and every lock must come back.
	provider := &fakeProvider{block: make(chan struct{})}
	coord, registry := newTestCoordinator(provider, nil, Config{CallDeadline: 50 * time.Millisecond})

	const conversations = 15
	var wg sync.WaitGroup
	statuses := make([]Status, conversations)
	for i := 0; i < conversations; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := models.ConversationID(fmt.Sprintf("conv-%d", i))
			statuses[i] = coord.Handle(context.Background(), id, "msg").Status
		}(i)
	}
	wg.Wait()

	for i, status := range statuses {
		if status != StatusTimedOut {
			t.Errorf("conversation %d: expected timed_out, got %s", i, status)
		}
	}
	for _, info := range registry.Snapshot() {
		if info.Held {
			t.Errorf("lock %s still held after timeout", info.ConversationID)
		}
	}

	// A timed-out conversation is immediately usable again.
	provider2 := &fakeProvider{reply: "recovered"}
	coord2 := New(registry, provider2, nil, nil, nil, Config{})
	if result := coord2.Handle(context.Background(), "conv-0", "retry"); result.Status != StatusCompleted {
		t.Errorf("expected completion after timeout, got %s", result.Status)
	}
}

func TestCoordinator_ProviderFailure(t *testing.T) {
	provider := &fakeProvider{err: llm.NewProviderError("fake", "fake-model", errors.New("internal server error")).WithStatus(500)}
	coord, registry := newTestCoordinator(provider, nil, Config{})

	result := coord.Handle(context.Background(), "conv-1", "hi")
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Err == nil {
		t.Error("failed result should carry the error")
	}
	if lock, _ := registry.Get("conv-1"); lock.Held() {
		t.Error("lock still held after provider failure")
	}
}

func TestCoordinator_PersistFailureIsolated(t *testing.T) {
	provider := &fakeProvider{reply: "still works"}
	coord, registry := newTestCoordinator(provider, failingStore{}, Config{})

	result := coord.Handle(context.Background(), "conv-1", "hi")
	if result.Status != StatusCompleted {
		t.Fatalf("store failure must not fail the request, got %s (err=%v)", result.Status, result.Err)
	}
	if result.Reply != "still works" {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	if lock, _ := registry.Get("conv-1"); lock.Held() {
		t.Error("lock still held after persist failure")
	}
}

func TestCoordinator_HandleQueued(t *testing.T) {
	block := make(chan struct{})
	provider := &fakeProvider{reply: "done", block: block}
	coord, _ := newTestCoordinator(provider, nil, Config{
		LockTimeout:  2 * time.Second,
		CallDeadline: 5 * time.Second,
	})

	first := make(chan Result, 1)
	go func() {
		first <- coord.Handle(context.Background(), "conv-1", "slow")
	}()

	// Wait for the first request to take the lock.
	deadline := time.Now().Add(time.Second)
	for provider.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never reached the provider")
		}
		time.Sleep(time.Millisecond)
	}

	// Queued request parks instead of bouncing, and wins once the first
	// finishes.
	second := make(chan Result, 1)
	go func() {
		second <- coord.HandleQueued(context.Background(), "conv-1", "queued")
	}()

	time.Sleep(50 * time.Millisecond)
	close(block)

	for _, ch := range []chan Result{first, second} {
		select {
		case result := <-ch:
			if result.Status != StatusCompleted {
				t.Errorf("expected completed, got %s (err=%v)", result.Status, result.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("request did not finish")
		}
	}
}

func TestCoordinator_HandleQueuedTimeout(t *testing.T) {
	provider := &fakeProvider{block: make(chan struct{})}
	coord, registry := newTestCoordinator(provider, nil, Config{
		LockTimeout:  50 * time.Millisecond,
		CallDeadline: 5 * time.Second,
	})

	// Park a holder on the lock.
	lock := registry.GetOrCreate("conv-1")
	token, ok := lock.TryAcquire()
	if !ok {
		t.Fatal("failed to seed held lock")
	}
	defer lock.Release(token)

	result := coord.HandleQueued(context.Background(), "conv-1", "msg")
	if result.Status != StatusLockTimeout {
		t.Fatalf("expected lock_timeout, got %s", result.Status)
	}
	if provider.calls.Load() != 0 {
		t.Error("provider must not be called when the lock is never acquired")
	}
}

func TestCoordinator_HistoryReplay(t *testing.T) {
	provider := &fakeProvider{reply: "reply-3"}
	store := storage.NewMemoryStore()
	coord, _ := newTestCoordinator(provider, store, Config{HistoryLimit: 10, SystemPrompt: "be brief"})

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		err := store.AppendExchange(ctx, &models.Exchange{
			ID:             fmt.Sprintf("ex-%d", i),
			ConversationID: "conv-1",
			UserMessage:    fmt.Sprintf("question %d", i),
			AssistantReply: fmt.Sprintf("answer %d", i),
			CreatedAt:      time.Now(),
		})
		if err != nil {
			t.Fatalf("seeding history failed: %v", err)
		}
	}

	result := coord.Handle(ctx, "conv-1", "question 3")
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}

	provider.mu.Lock()
	req := provider.requests[0]
	provider.mu.Unlock()

	if req.System != "be brief" {
		t.Errorf("system prompt not forwarded: %q", req.System)
	}
	want := []struct {
		role    models.Role
		content string
	}{
		{models.RoleUser, "question 1"},
		{models.RoleAssistant, "answer 1"},
		{models.RoleUser, "question 2"},
		{models.RoleAssistant, "answer 2"},
		{models.RoleUser, "question 3"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(req.Messages))
	}
	for i, w := range want {
		if req.Messages[i].Role != w.role || req.Messages[i].Content != w.content {
			t.Errorf("message %d: got %s %q, want %s %q",
				i, req.Messages[i].Role, req.Messages[i].Content, w.role, w.content)
		}
	}
}
