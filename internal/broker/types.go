package broker

import (
	"context"

	"sheetwatch/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, event models.Event) error
	PublishDeadLetter(ctx context.Context, topic string, letter models.DeadLetter) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
}

// HandlerFunc receives one normalized change notification. Returning a fatal
// error sends the message to the dead letter topic without retrying.
type HandlerFunc func(ctx context.Context, event models.ChangeEvent) error
