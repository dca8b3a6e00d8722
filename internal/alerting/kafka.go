package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the notifier needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes trigger events keyed by alert id.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaNotifier builds a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string, timeout time.Duration, logger zerolog.Logger) *KafkaNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           timeout,
	}
	return newKafkaNotifier(w, topic, logger)
}

func newKafkaNotifier(w messageWriter, topic string, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "alert_kafka").Str("topic", topic).Logger(),
	}
}

type triggerEvent struct {
	AlertID     string    `json:"alert_id"`
	Type        string    `json:"type"`
	Symbol      string    `json:"symbol,omitempty"`
	Value       string    `json:"value"`
	Threshold   string    `json:"threshold"`
	WindowSec   int64     `json:"window_seconds"`
	TriggeredAt time.Time `json:"triggered_at"`
	Text        string    `json:"text"`
}

// Notify writes one JSON event.
func (n *KafkaNotifier) Notify(ctx context.Context, note Notification) error {
	msg, err := encodeEvent(note)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", n.topic, err)
	}
	n.logger.Debug().Str("alert_id", note.AlertID).Msg("trigger event published")
	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func encodeEvent(note Notification) (kafka.Message, error) {
	body, err := json.Marshal(triggerEvent{
		AlertID:     note.AlertID,
		Type:        note.Type,
		Symbol:      note.Symbol,
		Value:       note.Value.String(),
		Threshold:   note.Threshold.String(),
		WindowSec:   int64(note.Window / time.Second),
		TriggeredAt: note.TriggeredAt.UTC(),
		Text:        renderMessage(note),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal trigger event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(note.AlertID),
		Value: body,
		Time:  note.TriggeredAt,
	}, nil
}

var _ Notifier = (*KafkaNotifier)(nil)
