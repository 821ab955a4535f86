package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"sheetwatch/internal/broker"
	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
)

// Closer releases one resource during shutdown.
type Closer func(ctx context.Context) error

// Base carries what every process needs before its own components:
// configuration, the logger and the broker clients. Consumer stays nil when
// no input topic is configured.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
	Consumer broker.Consumer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{Config: cfg, Logger: log}
}

func (b *Base) InitBroker(serviceName string) error {
	producer, consumer, err := broker.Open(b.Config.Broker, serviceName, b.Logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	b.Producer, b.Consumer = producer, consumer
	return nil
}

// Shutdown stops intake first, then the producer, then runs closers in
// order. Every step runs even when an earlier one fails.
func (b *Base) Shutdown(ctx context.Context, closers ...Closer) error {
	b.Logger.Info("Shutting down")

	var errs []error
	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer: %w", err))
		}
	}
	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}
	for _, closer := range closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	b.Logger.Info("Shutdown complete")
	return nil
}
