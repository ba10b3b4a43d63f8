package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ECSERP/whatsapp-backend/internal/capability"
	"github.com/ECSERP/whatsapp-backend/internal/notify"
)

type fakeHandle struct {
	mu       sync.Mutex
	notFound map[string]bool
	sendErr  map[string]error
	resolved []string
	sent     []string
	events   chan capability.Event
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		notFound: make(map[string]bool),
		sendErr:  make(map[string]error),
		events:   make(chan capability.Event, 8),
	}
}

func (f *fakeHandle) Events() <-chan capability.Event { return f.events }

func (f *fakeHandle) ResolveRecipient(_ context.Context, digits string) (capability.Recipient, error) {
	f.mu.Lock()
	f.resolved = append(f.resolved, digits)
	notFound := f.notFound[digits]
	f.mu.Unlock()
	if notFound {
		return capability.Recipient{}, capability.ErrRecipientNotFound
	}
	return capability.Recipient{ID: digits}, nil
}

func (f *fakeHandle) SendText(_ context.Context, to capability.Recipient, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[to.ID]; err != nil {
		return err
	}
	f.sent = append(f.sent, to.ID)
	return nil
}

func (f *fakeHandle) Logout(context.Context) error { return nil }
func (f *fakeHandle) Close()                       {}

func (f *fakeHandle) sentNumbers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeHandle) resolvedNumbers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

type fakeSessions struct {
	authed bool
	handle *fakeHandle
}

func (f *fakeSessions) IsAuthenticated(string) bool { return f.authed }

func (f *fakeSessions) Messenger(string) (capability.Handle, bool) {
	if f.handle == nil {
		return nil, false
	}
	return f.handle, true
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(_ string, e notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

func (n *recordingNotifier) logs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		if e.Name == notify.EventLog {
			out = append(out, e.Data.(string))
		}
	}
	return out
}

func newTestEngine(t *testing.T, sessions *fakeSessions, sink *recordingNotifier, recipients []string, cfg Config) *Engine {
	t.Helper()
	return NewEngine(context.Background(), sessions, sink, recipients, cfg, zerolog.Nop())
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish in time")
	}
}

func TestSubmitRejectsUnauthenticated(t *testing.T) {
	sink := &recordingNotifier{}
	eng := newTestEngine(t, &fakeSessions{authed: false}, sink, []string{"5550100001"}, Config{BatchSize: 1, BatchDelay: time.Millisecond})

	if _, err := eng.Submit("u1", "hi"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, ok := eng.ActiveJob("u1"); ok {
		t.Fatal("rejected submit must not register a job")
	}
	if len(sink.logs()) != 0 {
		t.Fatalf("rejected submit must emit no events, got %v", sink.logs())
	}
}

func TestBatchLoopOrderAndWaiting(t *testing.T) {
	handle := newFakeHandle()
	sink := &recordingNotifier{}
	recipients := []string{"+1 (555) 010-0001", "5550100002"}
	eng := newTestEngine(t, &fakeSessions{authed: true, handle: handle}, sink, recipients, Config{BatchSize: 1, BatchDelay: 5 * time.Millisecond})

	job, err := eng.Submit("u1", "hi")
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	waitDone(t, job)

	if job.Status() != StatusCompleted {
		t.Fatalf("status = %v, want completed", job.Status())
	}

	logs := sink.logs()
	if len(logs) != 4 {
		t.Fatalf("expected 4 log events, got %d: %v", len(logs), logs)
	}
	if !strings.Contains(logs[0], "15550100001") {
		t.Fatalf("first event should cover 15550100001, got %q", logs[0])
	}
	if !strings.Contains(logs[1], "Waiting") {
		t.Fatalf("second event should be the batch wait, got %q", logs[1])
	}
	if !strings.Contains(logs[2], "5550100002") {
		t.Fatalf("third event should cover 5550100002, got %q", logs[2])
	}
	if !strings.Contains(logs[3], "completed") {
		t.Fatalf("last event should be the completion banner, got %q", logs[3])
	}

	waits := 0
	for _, l := range logs {
		if strings.Contains(l, "Waiting") {
			waits++
		}
	}
	if waits != 1 {
		t.Fatalf("expected exactly chunks-1 = 1 waiting events, got %d", waits)
	}

	if p := job.Progress(); p.Sent != 2 || p.Invalid != 0 || p.Errored != 0 {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestInvalidRecipientSkippedWithoutSend(t *testing.T) {
	handle := newFakeHandle()
	handle.notFound["5550100001"] = true
	sink := &recordingNotifier{}
	eng := newTestEngine(t, &fakeSessions{authed: true, handle: handle}, sink, []string{"5550100001", "5550100002"}, Config{BatchSize: 10, BatchDelay: time.Millisecond})

	job, err := eng.Submit("u1", "hi")
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	waitDone(t, job)

	if p := job.Progress(); p.Invalid != 1 || p.Sent != 1 || p.Errored != 0 {
		t.Fatalf("unexpected progress: %+v", p)
	}

	for _, sent := range handle.sentNumbers() {
		if sent == "5550100001" {
			t.Fatal("invalid recipient must not be sent to")
		}
	}

	invalid := 0
	for _, l := range sink.logs() {
		if strings.Contains(l, "not registered") {
			invalid++
		}
	}
	if invalid != 1 {
		t.Fatalf("expected exactly one invalid event, got %d", invalid)
	}
}

func TestSendFailureContinues(t *testing.T) {
	handle := newFakeHandle()
	handle.sendErr["5550100001"] = errors.New("provider exploded")
	sink := &recordingNotifier{}
	eng := newTestEngine(t, &fakeSessions{authed: true, handle: handle}, sink, []string{"5550100001", "5550100002"}, Config{BatchSize: 10, BatchDelay: time.Millisecond})

	job, err := eng.Submit("u1", "hi")
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	waitDone(t, job)

	if job.Status() != StatusCompleted {
		t.Fatalf("a recipient failure must not fail the job, status = %v", job.Status())
	}
	if p := job.Progress(); p.Errored != 1 || p.Sent != 1 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if got := handle.sentNumbers(); len(got) != 1 || got[0] != "5550100002" {
		t.Fatalf("processing must continue past a failure, sent = %v", got)
	}
}

func TestSecondSubmitRejectedWhileRunning(t *testing.T) {
	handle := newFakeHandle()
	sink := &recordingNotifier{}
	// Two batches with a long delay keeps the first job running.
	eng := newTestEngine(t, &fakeSessions{authed: true, handle: handle}, sink, []string{"5550100001", "5550100002"}, Config{BatchSize: 1, BatchDelay: time.Minute})

	job, err := eng.Submit("u1", "hi")
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	defer job.Cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := eng.ActiveJob("u1"); ok && job.Status() == StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never started running")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := eng.Submit("u1", "again"); !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("expected ErrJobAlreadyRunning, got %v", err)
	}
}

func TestCancelStopsJob(t *testing.T) {
	handle := newFakeHandle()
	sink := &recordingNotifier{}
	eng := newTestEngine(t, &fakeSessions{authed: true, handle: handle}, sink, []string{"5550100001", "5550100002"}, Config{BatchSize: 1, BatchDelay: time.Minute})

	job, err := eng.Submit("u1", "hi")
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	job.Cancel()
	waitDone(t, job)

	if job.Status() != StatusCanceled {
		t.Fatalf("status = %v, want canceled", job.Status())
	}
	if _, ok := eng.ActiveJob("u1"); ok {
		t.Fatal("canceled job must be released")
	}

	// A fresh submit is accepted once the slot is free.
	job2, err := eng.Submit("u1", "hi")
	if err != nil {
		t.Fatalf("resubmit after cancel err: %v", err)
	}
	job2.Cancel()
	waitDone(t, job2)
}

func TestEmptyRecipientListCompletesImmediately(t *testing.T) {
	handle := newFakeHandle()
	sink := &recordingNotifier{}
	eng := newTestEngine(t, &fakeSessions{authed: true, handle: handle}, sink, nil, Config{BatchSize: 1, BatchDelay: time.Minute})

	job, err := eng.Submit("u1", "hi")
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	waitDone(t, job)

	if job.Status() != StatusCompleted {
		t.Fatalf("status = %v, want completed", job.Status())
	}
	if len(handle.resolvedNumbers()) != 0 {
		t.Fatal("no lookups expected for an empty recipient list")
	}
}
