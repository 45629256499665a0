package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"meeting-transcript-service/internal/models"
	"meeting-transcript-service/internal/observability/metrics"
	"meeting-transcript-service/internal/schema"
)

// KafkaConfig holds Kafka sink configuration.
type KafkaConfig struct {
	Brokers         []string
	TopicTranscript string
	TopicSummary    string
	TopicSession    string
	Principal       string
	Enabled         bool
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink is a Subscriber that forwards every event to a Kafka topic
// chosen by event type, keyed by session id. With Kafka disabled it only logs.
type KafkaSink struct {
	writers   map[string]messageWriter
	topics    map[models.EventType]string
	principal string
	enabled   bool
	validator *schema.Validator
	metrics   *metrics.Metrics
}

// NewKafkaSink creates the sink. A nil m uses the default metrics.
func NewKafkaSink(cfg *KafkaConfig, m *metrics.Metrics) *KafkaSink {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	s := &KafkaSink{
		writers:   make(map[string]messageWriter),
		topics:    make(map[models.EventType]string),
		validator: schema.New(),
		metrics:   m,
	}

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return s
	}

	s.principal = cfg.Principal
	s.topics[models.EventTranscriptDelta] = cfg.TopicTranscript
	s.topics[models.EventSummaryProduced] = cfg.TopicSummary
	s.topics[models.EventSessionEnded] = cfg.TopicSession

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return s
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	for _, topic := range s.topics {
		if topic == "" {
			continue
		}
		if _, ok := s.writers[topic]; ok {
			continue
		}
		s.writers[topic] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	s.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicSummary", cfg.TopicSummary).
		Str("topicSession", cfg.TopicSession).
		Str("principal", cfg.Principal).
		Msg("Kafka sink initialized")

	return s
}

// Deliver implements Subscriber. Invalid events are logged and skipped
// rather than failing the subscription.
func (s *KafkaSink) Deliver(ctx context.Context, evt models.Event) error {
	start := time.Now()
	topic := s.topics[evt.Type]
	eventType := string(evt.Type)

	if err := s.validator.Validate(evt); err != nil {
		log.Error().Err(err).Str("eventId", evt.ID).Str("eventType", eventType).Msg("Event failed validation, not published")
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return nil
	}

	log.Debug().
		Str("principal", s.principal).
		Str("topic", topic).
		Str("key", evt.SessionID).
		RawJSON("payload", payload).
		Msg("Publishing event")

	writer := s.writers[topic]
	if !s.enabled || writer == nil {
		s.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "eventId", Value: []byte(evt.ID)},
			{Key: "principal", Value: []byte(s.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", evt.SessionID).
			Msg("Failed to write to Kafka")
		s.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		// A broker outage must not unsubscribe the sink.
		return nil
	}

	s.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes every Kafka writer.
func (s *KafkaSink) Close() error {
	var err error
	for topic, w := range s.writers {
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", topic).Msg("Error closing Kafka writer")
			err = e
		}
	}
	s.writers = map[string]messageWriter{}
	return err
}
