package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"vbtix/internal/logger"
	"vbtix/internal/models"

	"github.com/segmentio/kafka-go"
)

// Producer publishes ticket delivery events after settlement. The
// downstream consumer (mailer, push service) is a separate deployment.
type Producer struct {
	Writer *kafka.Writer
	Logger *logger.Logger
}

func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &Producer{Writer: writer, Logger: log}
}

// PublishTicketDelivery streams a settled transaction's tickets to the
// delivery topic, keyed by transaction ID so retries of the same
// settlement land in the same partition.
func (p *Producer) PublishTicketDelivery(ctx context.Context, event models.TicketDeliveryEvent) error {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: msgBytes,
	})
	if err != nil {
		p.Logger.LogKafka("PUBLISH", p.Writer.Topic, fmt.Sprintf("failed to publish delivery event for %s: %v", event.TransactionID, err))
		return err
	}

	p.Logger.LogKafka("PUBLISH", p.Writer.Topic, fmt.Sprintf("delivery event published for transaction %s (%d tickets)", event.TransactionID, len(event.Tickets)))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
