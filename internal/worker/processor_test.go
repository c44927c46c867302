package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/aiox-platform/inferq/internal/nats"
	"github.com/aiox-platform/inferq/internal/requests"
)

type fakeLedger struct {
	mu          sync.Mutex
	status      map[uuid.UUID]requests.Status
	results     map[uuid.UUID]string
	usage       map[uuid.UUID]requests.Usage
	errors      map[uuid.UUID]string
	failErr     error
	markErr     error
	completeErr error
}

func newFakeLedger(ids ...uuid.UUID) *fakeLedger {
	l := &fakeLedger{
		status:  make(map[uuid.UUID]requests.Status),
		results: make(map[uuid.UUID]string),
		usage:   make(map[uuid.UUID]requests.Usage),
		errors:  make(map[uuid.UUID]string),
	}
	for _, id := range ids {
		l.status[id] = requests.StatusQueued
	}
	return l
}

func (l *fakeLedger) MarkProcessing(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.markErr != nil {
		return l.markErr
	}
	s, ok := l.status[id]
	if !ok || s.Terminal() {
		return requests.ErrTerminal
	}
	l.status[id] = requests.StatusProcessing
	return nil
}

func (l *fakeLedger) Complete(_ context.Context, id uuid.UUID, result string, usage requests.Usage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completeErr != nil {
		return l.completeErr
	}
	if l.status[id].Terminal() {
		return requests.ErrTerminal
	}
	l.status[id] = requests.StatusDone
	l.results[id] = result
	l.usage[id] = usage
	return nil
}

func (l *fakeLedger) Fail(_ context.Context, id uuid.UUID, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	if l.status[id].Terminal() {
		return requests.ErrTerminal
	}
	l.status[id] = requests.StatusError
	l.errors[id] = message
	return nil
}

type charge struct {
	user              string
	estimated, actual int64
}

type fakeCharger struct {
	charges []charge
}

func (c *fakeCharger) ChargeOverrun(_ context.Context, userID string, estimated, actual int64, _ time.Time) error {
	c.charges = append(c.charges, charge{userID, estimated, actual})
	return nil
}

func inferenceServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, WithHTTPClient(srv.Client()))
}

func okServer(t *testing.T, seen *RunRequest) *HTTPClient {
	return inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RunResponse{
			OutputText: "hi!",
			TokenUsage: TokenUsage{PromptTokens: 2, CompletionTokens: 6, TotalTokens: 8},
			Model:      "gpt2",
		})
	})
}

func dispatchMsg(id uuid.UUID) inats.InferenceRequest {
	return inats.InferenceRequest{
		ID:              id.String(),
		UserID:          "alice",
		Prompt:          "hello",
		EstimatedTokens: 2,
		Timestamp:       time.Now().UTC(),
	}
}

func TestProcess_Completes(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	charger := &fakeCharger{}
	var seen RunRequest
	p := NewProcessor(ledger, okServer(t, &seen), charger, 100, time.Second)

	action := p.Process(context.Background(), dispatchMsg(id), false)

	assert.Equal(t, Ack, action)
	assert.Equal(t, requests.StatusDone, ledger.status[id])
	assert.Equal(t, "hi!", ledger.results[id])
	assert.Equal(t, requests.Usage{PromptTokens: 2, CompletionTokens: 6, TotalTokens: 8}, ledger.usage[id])

	assert.Equal(t, RunRequest{Prompt: "hello", MaxLength: 100, RequestID: id.String(), UserID: "alice"}, seen)
	require.Len(t, charger.charges, 1)
	assert.Equal(t, charge{"alice", 2, 8}, charger.charges[0])
}

func TestProcess_SkipsTerminalRequest(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	ledger.status[id] = requests.StatusDone

	called := false
	client := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	p := NewProcessor(ledger, client, nil, 100, time.Second)

	assert.Equal(t, Ack, p.Process(context.Background(), dispatchMsg(id), false))
	assert.False(t, called)
}

func TestProcess_RedeliveryWhileProcessing(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	ledger.status[id] = requests.StatusProcessing
	p := NewProcessor(ledger, okServer(t, nil), nil, 100, time.Second)

	assert.Equal(t, Ack, p.Process(context.Background(), dispatchMsg(id), false))
	assert.Equal(t, requests.StatusDone, ledger.status[id])
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	client := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	})
	p := NewProcessor(ledger, client, nil, 100, time.Second)

	assert.Equal(t, Retry, p.Process(context.Background(), dispatchMsg(id), false))
	assert.Equal(t, requests.StatusProcessing, ledger.status[id])

	// The final delivery records the failure instead.
	assert.Equal(t, Ack, p.Process(context.Background(), dispatchMsg(id), true))
	assert.Equal(t, requests.StatusError, ledger.status[id])
	assert.Contains(t, ledger.errors[id], "503")
}

func TestProcess_RejectedFailsImmediately(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	client := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"prompt too long"}`, http.StatusUnprocessableEntity)
	})
	p := NewProcessor(ledger, client, nil, 100, time.Second)

	assert.Equal(t, Ack, p.Process(context.Background(), dispatchMsg(id), false))
	assert.Equal(t, requests.StatusError, ledger.status[id])
	assert.Contains(t, ledger.errors[id], "prompt too long")
}

func TestProcess_LedgerWriteFailureRetries(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	ledger.failErr = errors.New("connection reset")
	client := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	})
	p := NewProcessor(ledger, client, nil, 100, time.Second)

	assert.Equal(t, Retry, p.Process(context.Background(), dispatchMsg(id), false))
}

func TestProcess_InvalidID(t *testing.T) {
	p := NewProcessor(newFakeLedger(), okServer(t, nil), nil, 100, time.Second)
	msg := dispatchMsg(uuid.New())
	msg.ID = "garbage"
	assert.Equal(t, Drop, p.Process(context.Background(), msg, false))
}

func TestProcess_Timeout(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	client := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	p := NewProcessor(ledger, client, nil, 100, 50*time.Millisecond)

	assert.Equal(t, Retry, p.Process(context.Background(), dispatchMsg(id), false))
}

func TestProcess_LastAttemptResultWriteFailureRecordsError(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	ledger.completeErr = errors.New("connection reset")
	charger := &fakeCharger{}
	p := NewProcessor(ledger, okServer(t, nil), charger, 100, time.Second)

	assert.Equal(t, Retry, p.Process(context.Background(), dispatchMsg(id), false))
	assert.Equal(t, requests.StatusProcessing, ledger.status[id])

	assert.Equal(t, Ack, p.Process(context.Background(), dispatchMsg(id), true))
	assert.Equal(t, requests.StatusError, ledger.status[id])
	assert.Contains(t, ledger.errors[id], "connection reset")
	assert.Empty(t, charger.charges)
}

func TestProcess_LastAttemptMarkFailureRecordsError(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	ledger.markErr = errors.New("too many connections")
	p := NewProcessor(ledger, okServer(t, nil), nil, 100, time.Second)

	assert.Equal(t, Retry, p.Process(context.Background(), dispatchMsg(id), false))
	assert.Equal(t, Ack, p.Process(context.Background(), dispatchMsg(id), true))
	assert.Equal(t, requests.StatusError, ledger.status[id])
}

func TestProcess_LastAttemptLedgerDownDropsMessage(t *testing.T) {
	id := uuid.New()
	ledger := newFakeLedger(id)
	ledger.completeErr = errors.New("connection reset")
	ledger.failErr = errors.New("connection reset")
	p := NewProcessor(ledger, okServer(t, nil), nil, 100, time.Second)

	assert.Equal(t, Drop, p.Process(context.Background(), dispatchMsg(id), true))
	assert.Equal(t, requests.StatusProcessing, ledger.status[id])
}
