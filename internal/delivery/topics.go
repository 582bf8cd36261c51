package delivery

import (
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// EnsureTopic creates the delivery topic if it does not already exist.
// Called once at startup; brokers with auto-create disabled need this.
func EnsureTopic(brokers []string, topic string) error {
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", controller.Host)
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}

	// Give the cluster a moment to propagate metadata before the first write.
	time.Sleep(1 * time.Second)
	return nil
}
