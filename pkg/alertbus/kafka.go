// Package alertbus mirrors degraded-mode events onto a Kafka topic for
// downstream alerting pipelines. The publisher is best-effort: a broker
// outage must never add latency or failure to the guarded request path.
package alertbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"tripguard/pkg/degraded"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
}

type Publisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Publisher{writer: w, timeout: 2 * time.Second}, nil
}

// Emit implements degraded.Sink. Errors are logged, not propagated: the
// engine already deduped the event and the request must proceed either way.
func (p *Publisher) Emit(evt degraded.Event) {
	if p == nil || p.writer == nil {
		return
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(string(evt.Subsystem) + "|" + evt.RouteKey),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("alertbus: publish failed: %v", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
