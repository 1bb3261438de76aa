package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// OutboxMessage is a run event waiting to be published
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
}

// Outbox is the durable queue of unpublished run events
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers an event downstream, deduplicating on msgID
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves run events from the outbox to the publisher
type Dispatcher struct {
	Outbox    Outbox
	Publisher Publisher
	Log       logrus.FieldLogger

	Batch   int
	Backoff time.Duration
	Idle    time.Duration
}

// NewDispatcher returns a dispatcher with default batch and retry settings
func NewDispatcher(outbox Outbox, pub Publisher, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		Outbox:    outbox,
		Publisher: pub,
		Log:       log,
		Batch:     100,
		Backoff:   10 * time.Second,
		Idle:      500 * time.Millisecond,
	}
}

// Drain publishes one batch and returns how many events were published
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	messages, err := d.Outbox.DequeueOutbox(ctx, d.Batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, msg := range messages {
		log := d.Log.WithFields(logrus.Fields{"outbox_id": msg.ID, "subject": msg.Subject})
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.WithError(err).Warn("publish failed, will retry")
			if err := d.Outbox.MarkOutboxRetry(ctx, msg.ID, d.Backoff); err != nil {
				log.WithError(err).Error("mark retry")
			}
			continue
		}
		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.WithError(err).Error("mark published")
			continue
		}
		published++
	}
	return published, nil
}

// Run drains the outbox until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.Drain(ctx)
		if err != nil {
			d.Log.WithError(err).Error("dequeue outbox")
		}
		wait := d.Idle
		if err != nil {
			wait = time.Second
		} else if n > 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
