package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/aiox-platform/inferq/internal/nats"
)

// Inserter persists audit entries.
type Inserter interface {
	Insert(ctx context.Context, e *Entry) error
}

// Consumer drains the events stream into audit_logs.
type Consumer struct {
	store       Inserter
	consumerMgr *inats.ConsumerManager
}

func NewConsumer(store Inserter, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		store:       store,
		consumerMgr: consumerMgr,
	}
}

// Start runs the consume loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, inats.ConsumerAudit, inats.SubjectAuditEvent,
		inats.ConsumerOptions{AckWait: 30 * time.Second, MaxDeliver: 5})
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", inats.ConsumerAudit)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	meta, _ := msg.Metadata()
	if err := c.persist(ctx, msg.Data(), meta); err != nil {
		slog.Error("audit consumer: persisting event", "error", err)
		if errors.Is(err, errMalformed) {
			// Redelivery cannot fix a payload that does not parse.
			_ = msg.Term()
			return
		}
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func (c *Consumer) persist(ctx context.Context, data []byte, meta *jetstream.MsgMetadata) error {
	var event inats.AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return c.store.Insert(ctx, toEntry(event, meta))
}

var errMalformed = errors.New("malformed audit event")

// toEntry converts a wire event into a row. The id is derived from the
// stream sequence so a redelivered message maps onto the same row.
func toEntry(event inats.AuditEvent, meta *jetstream.MsgMetadata) *Entry {
	e := &Entry{
		UserID:    event.UserID,
		EventType: event.EventType,
		Severity:  event.Severity,
		CreatedAt: event.Timestamp,
	}
	if meta != nil {
		e.ID = uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/%d", meta.Stream, meta.Sequence.Stream))
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	// Request ids are UUIDs; anything else is dropped rather than failing the row.
	if event.RequestID != "" {
		if parsed, err := uuid.Parse(event.RequestID); err == nil {
			e.RequestID = &parsed
		}
	}

	if data, err := json.Marshal(map[string]string{"message": event.Details}); err == nil {
		e.Details = data
	}
	return e
}
