package kafka

import (
	"log"
	"os"
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBrokers  = "localhost:9092"
	DefaultDispatchTopic = "analysis_execution_requests"
)

// NewDispatchProducer builds the writer the manager uses to hand accepted
// executions to the worker pool.
func NewDispatchProducer() *kafka.Writer {
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	dispatchTopic := os.Getenv("DISPATCH_TOPIC")
	if dispatchTopic == "" {
		dispatchTopic = DefaultDispatchTopic
	}
	brokerList := strings.Split(kafkaBrokers, ",")
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokerList,
		Topic:        dispatchTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Printf("Analysis Manager Kafka producer configured for topic: %s", dispatchTopic)
	return producer
}
