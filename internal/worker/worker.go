package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/aiox-platform/inferq/internal/nats"
)

const (
	maxDeliver = 5
	retryDelay = 5 * time.Second
)

// Worker pulls dispatch messages and runs them through the Processor, at
// most concurrency at a time. A message is acked only after its outcome is
// in the ledger.
type Worker struct {
	processor   *Processor
	consumerMgr *inats.ConsumerManager
	concurrency int
	ackWait     time.Duration
}

// New creates a Worker. ackWait must exceed the inference timeout, or the
// server redelivers messages that are still being worked on.
func New(processor *Processor, consumerMgr *inats.ConsumerManager, concurrency int, ackWait time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		processor:   processor,
		consumerMgr: consumerMgr,
		concurrency: concurrency,
		ackWait:     ackWait,
	}
}

// Start runs the consume loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	consumer, err := w.consumerMgr.EnsureConsumer(ctx, inats.StreamRequests, inats.ConsumerWorkers, inats.SubjectRequestSubmitted,
		inats.ConsumerOptions{AckWait: w.ackWait, MaxDeliver: maxDeliver})
	if err != nil {
		return err
	}

	slog.Info("inference worker started", "consumer", inats.ConsumerWorkers, "concurrency", w.concurrency)

	for {
		batch, err := consumer.Fetch(w.concurrency, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("worker: fetching requests", "error", err)
			continue
		}

		var wg sync.WaitGroup
		for msg := range batch.Messages() {
			wg.Add(1)
			go func(msg jetstream.Msg) {
				defer wg.Done()
				w.handle(ctx, msg)
			}(msg)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) {
	var req inats.InferenceRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		slog.Error("worker: unmarshaling dispatch message", "error", err)
		_ = msg.Term()
		return
	}

	lastAttempt := false
	if meta, err := msg.Metadata(); err == nil {
		lastAttempt = meta.NumDelivered >= maxDeliver
	}

	settle(msg, w.processor.Process(ctx, req, lastAttempt))
}

func settle(msg jetstream.Msg, action Action) {
	var err error
	switch action {
	case Ack:
		err = msg.Ack()
	case Retry:
		err = msg.NakWithDelay(retryDelay)
	case Drop:
		err = msg.Term()
	}
	if err != nil {
		slog.Warn("worker: settling message", "action", action, "error", err)
	}
}
