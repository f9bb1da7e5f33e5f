// Package events forwards normalized webhook events to Kafka. The publisher
// is an ordinary dispatcher subscriber; with no brokers configured the
// gateway simply runs without it.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/logger"
)

// Producer wraps a Sarama sync producer. Events are published synchronously
// so a broker acknowledgment failure is visible to the subscriber that
// triggered it.
type Producer struct {
	logger       zerolog.Logger
	syncProducer sarama.SyncProducer
}

// ProducerOption customises the producer during construction.
type ProducerOption func(*producerOptions)

type producerOptions struct {
	config *sarama.Config
}

// WithConfig supplies a preconfigured Sarama config.
func WithConfig(cfg *sarama.Config) ProducerOption {
	return func(o *producerOptions) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// NewProducer constructs a Producer using the supplied broker list.
func NewProducer(brokers []string, base zerolog.Logger, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events producer: at least one broker is required")
	}

	settings := &producerOptions{config: defaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	syncProd, err := sarama.NewSyncProducer(brokers, settings.config)
	if err != nil {
		return nil, fmt.Errorf("events producer: create sync producer: %w", err)
	}

	return &Producer{
		logger:       logger.Component(base, "events-producer"),
		syncProducer: syncProd,
	}, nil
}

// PublishSync publishes one record and waits for broker acknowledgment.
func (p *Producer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if topic == "" {
		return errors.New("events producer: topic is required")
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	if _, _, err := p.syncProducer.SendMessage(msg); err != nil {
		return fmt.Errorf("events producer: send sync: %w", err)
	}
	return nil
}

// Close releases the underlying Sarama producer.
func (p *Producer) Close() error {
	return p.syncProducer.Close()
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{
			Key:   []byte(k),
			Value: cloneBytes(v),
		})
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}
