package audit

import (
	"context"
	"log/slog"

	"github.com/btachinardi/lemon-todo-sub000/pkg/breaker"
	pkgkafka "github.com/btachinardi/lemon-todo-sub000/pkg/kafka"
)

// AggregateType is the envelope aggregate type for audit events.
const AggregateType = "user"

// Source identifies this service on published envelopes.
const Source = "lemon-auth"

// Topic is where audit events are published.
var Topic = pkgkafka.Topic("auth", "audit")

// Publisher is the part of the Kafka producer the sink uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// KafkaSink publishes events to Kafka through a circuit breaker. Failures are
// logged and swallowed.
type KafkaSink struct {
	publisher Publisher
	breaker   *breaker.Breaker
	topic     string
	logger    *slog.Logger
}

// NewKafkaSink creates a sink publishing to Topic.
func NewKafkaSink(publisher Publisher, br *breaker.Breaker, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		publisher: publisher,
		breaker:   br,
		topic:     Topic,
		logger:    logger,
	}
}

// Record wraps ev in an envelope keyed by the actor and publishes it.
func (s *KafkaSink) Record(ctx context.Context, ev Event) {
	env, err := pkgkafka.NewEvent(ev.Type, ev.ActorID, AggregateType, Source, ev.OccurredAt, ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "build audit envelope", slog.String("error", err.Error()))
		return
	}
	if ev.CorrelationID != "" {
		env.WithCorrelationID(ev.CorrelationID)
	}
	for k, v := range ev.Metadata {
		env.WithMetadata(k, v)
	}

	err = s.breaker.Do(ctx, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, s.topic, env)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit event not published",
			slog.String("event_type", ev.Type),
			slog.String("breaker_state", s.breaker.State().String()),
			slog.String("error", err.Error()),
		)
	}
}
