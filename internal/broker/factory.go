package broker

import (
	"fmt"

	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
)

// Open connects to the configured broker. The consumer is nil unless an
// input topic is set, since notifications otherwise only arrive over HTTP.
func Open(cfg config.BrokerConfig, serviceName string, log logger.Logger) (Producer, Consumer, error) {
	if cfg.Type != "kafka" {
		return nil, nil, fmt.Errorf("unknown broker type: %q", cfg.Type)
	}

	producer := NewKafkaProducer(cfg.Kafka, serviceName)
	if cfg.Kafka.InputTopic == "" {
		return producer, nil, nil
	}

	return producer, NewKafkaConsumer(cfg.Kafka, serviceName, log), nil
}
