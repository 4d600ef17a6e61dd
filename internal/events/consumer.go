package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/segmentio/kafka-go"

	"github.com/forgesight/forgesight/internal/config"
	"github.com/forgesight/forgesight/internal/features"
	"github.com/forgesight/forgesight/internal/metrics"
	"github.com/forgesight/forgesight/internal/mlmodel"
	"github.com/forgesight/forgesight/internal/storage"
)

// recorder appends training records and reports the family's new total.
//
// Implemented by: storage.TrainingStore.
type recorder interface {
	AppendRecords(ctx context.Context, records []storage.TrainingRecord) (int64, error)
}

// outcomeStore amends audit records with realized outcomes.
//
// Implemented by: storage.AuditStore.
type outcomeStore interface {
	GetByCorrelationID(ctx context.Context, correlationID string) ([]*mlmodel.AuditRecord, error)
	AmendOutcome(ctx context.Context, id string, outcome map[string]any) error
}

// retrainer accepts auto-retrain jobs when a threshold is crossed.
//
// Implemented by: training.Dispatcher.
type retrainer interface {
	Enqueue(ctx context.Context, family mlmodel.Family, trigger mlmodel.Trigger,
		hyperparameters map[string]float64) (string, error)
}

// messageReader is the Kafka surface the consumer drives.
//
// Implemented by: kafka.Reader.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds the event consumer tunables.
type ConsumerConfig struct {
	Brokers          []string
	Topic            string
	GroupID          string
	DedupSize        int
	RetrainThreshold int64
}

// LoadConsumerConfig reads the consumer configuration from the environment.
func LoadConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Brokers:          strings.Split(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"), ","),
		Topic:            config.GetEnvStr("KAFKA_TOPIC", "platform.events"),
		GroupID:          config.GetEnvStr("KAFKA_GROUP_ID", "forgesight"),
		DedupSize:        config.GetEnvInt("EVENT_DEDUP_SIZE", 10_000),
		RetrainThreshold: config.GetEnvInt64("RETRAIN_THRESHOLD", 1000),
	}
}

// NewReader builds the kafka-go reader for the platform events topic.
func NewReader(cfg *ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: 0, // synchronous commits; offsets advance only after handling
	})
}

// Consumer folds platform events into training data and audit outcomes.
//
// Processing rules: malformed events and events referencing unknown
// correlation ids are logged, counted, and committed so they are never
// redelivered. Duplicate message ids within the dedup window are committed
// without effect. Storage failures are re-raised with the message
// uncommitted, so the event is redelivered after restart; handlers are
// idempotent, which makes redelivery safe.
type Consumer struct {
	reader     messageReader
	records    recorder
	outcomes   outcomeStore
	dispatcher retrainer
	calendar   *features.Calendar
	cfg        *ConsumerConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger

	seen *lru.Cache[string, struct{}]
}

// NewConsumer wires the event consumer.
func NewConsumer(
	reader messageReader,
	records recorder,
	outcomes outcomeStore,
	dispatcher retrainer,
	calendar *features.Calendar,
	cfg *ConsumerConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Consumer, error) {
	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	return &Consumer{
		reader:     reader,
		records:    records,
		outcomes:   outcomes,
		dispatcher: dispatcher,
		calendar:   calendar,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		seen:       seen,
	}, nil
}

// Run consumes until the context is cancelled. Transport and storage errors
// are returned to the caller; the supervising group decides whether to die.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("event reader close failed", slog.String("error", err.Error()))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("fetch event: %w", err)
		}

		if err := c.handle(ctx, msg.Value); err != nil {
			c.metrics.ObserveEvent("error")

			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// handle processes one raw event. A nil return means the offset may be
// committed; only storage failures return an error.
func (c *Consumer) handle(ctx context.Context, raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		c.logger.Warn("event discarded", slog.String("error", err.Error()))
		c.metrics.ObserveEvent("invalid")

		return nil
	}

	if _, dup := c.seen.Get(env.MessageID); dup {
		c.logger.Debug("duplicate event skipped", slog.String("message_id", env.MessageID))
		c.metrics.ObserveEvent("duplicate")

		return nil
	}

	switch env.Type {
	case TypeOrderCreated:
		err = c.handleOrderCreated(ctx, env)
	case TypePrintCompleted:
		err = c.handlePrintCompleted(ctx, env)
	default:
		c.logger.Debug("event type ignored",
			slog.String("message_id", env.MessageID),
			slog.String("type", env.Type),
		)
		c.metrics.ObserveEvent("ignored")

		return nil
	}

	// Unknown correlation ids are unsatisfiable, not transient: no retry will
	// ever find an audit record that was never written. Discard like malformed
	// payloads, or one such event would block the partition forever.
	if errors.Is(err, ErrMalformedEvent) || errors.Is(err, storage.ErrAuditRecordNotFound) {
		c.logger.Warn("event discarded",
			slog.String("message_id", env.MessageID),
			slog.String("type", env.Type),
			slog.String("error", err.Error()),
		)
		c.metrics.ObserveEvent("invalid")

		return nil
	}

	if err != nil {
		return fmt.Errorf("handle %s %s: %w", env.Type, env.MessageID, err)
	}

	// Mark as seen only after the effect is durable, so a crash between
	// handling and commit redelivers rather than drops.
	c.seen.Add(env.MessageID, struct{}{})
	c.metrics.ObserveEvent("ingested")

	return nil
}

// handleOrderCreated appends one training record per line item and enqueues
// demand retraining when the accumulated record count crosses a threshold
// multiple.
func (c *Consumer) handleOrderCreated(ctx context.Context, env *Envelope) error {
	var order OrderCreated
	if err := json.Unmarshal(env.Payload, &order); err != nil {
		return fmt.Errorf("%w: decode order payload: %w", ErrMalformedEvent, err)
	}

	if err := ValidateOrderCreated(&order); err != nil {
		return err
	}

	isHoliday := c.calendar != nil && c.calendar.IsHoliday(order.CreatedAt)

	records := make([]storage.TrainingRecord, len(order.Items))
	for i, item := range order.Items {
		records[i] = storage.TrainingRecord{
			Family:     mlmodel.FamilyDemandForecast,
			ProductID:  item.ProductID,
			OrderID:    order.OrderID,
			CustomerID: order.CustomerID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			IsHoliday:  isHoliday,
			OccurredAt: order.CreatedAt,
		}
	}

	count, err := c.records.AppendRecords(ctx, records)
	if err != nil {
		return err
	}

	c.maybeRetrain(ctx, count, int64(len(records)))

	return nil
}

// handlePrintCompleted writes the realized print duration back onto the
// prediction's audit trail. Amending is first-write-wins, so redelivery and
// repeated completion events are no-ops.
func (c *Consumer) handlePrintCompleted(ctx context.Context, env *Envelope) error {
	var completed PrintCompleted
	if err := json.Unmarshal(env.Payload, &completed); err != nil {
		return fmt.Errorf("%w: decode print payload: %w", ErrMalformedEvent, err)
	}

	if err := ValidatePrintCompleted(&completed); err != nil {
		return err
	}

	auditRecords, err := c.outcomes.GetByCorrelationID(ctx, completed.CorrelationID)
	if err != nil {
		return err
	}

	outcome := map[string]any{
		"actual_minutes": completed.ActualMinutes,
		"completed_at":   completed.CompletedAt.Format(time.RFC3339),
	}

	for _, record := range auditRecords {
		if record.Family != mlmodel.FamilyPrintTime || record.ActualOutcome != nil {
			continue
		}

		err := c.outcomes.AmendOutcome(ctx, record.ID, outcome)
		if errors.Is(err, storage.ErrOutcomeAlreadySet) {
			continue
		}

		return err
	}

	return nil
}

// maybeRetrain enqueues an auto-retrain job when the record count crosses a
// multiple of the threshold. A busy family is skipped silently.
func (c *Consumer) maybeRetrain(ctx context.Context, count, appended int64) {
	threshold := c.cfg.RetrainThreshold
	if threshold <= 0 || count/threshold == (count-appended)/threshold {
		return
	}

	jobID, err := c.dispatcher.Enqueue(ctx, mlmodel.FamilyDemandForecast, mlmodel.TriggerAutoRetrain, nil)
	if err != nil {
		c.logger.Debug("auto-retrain not enqueued", slog.String("reason", err.Error()))

		return
	}

	c.logger.Info("auto-retrain enqueued",
		slog.String("family", mlmodel.FamilyDemandForecast.String()),
		slog.String("job_id", jobID),
		slog.Int64("record_count", count),
	)
}
