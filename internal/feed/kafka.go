package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/hire-requests/internal/observability"
)

const (
	kafkaSink         = "kafka"
	kafkaQueueSize    = 1024
	kafkaWriteTimeout = 2 * time.Second
)

// MessageWriter is the subset of kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every change event to a topic keyed by request id,
// giving collaborators an ordered per-request change log. Publish only
// enqueues; a single goroutine drains the queue so store writes never wait
// on the broker. Events that do not fit the queue are dropped and counted.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration

	mu     sync.RWMutex
	queue  chan kafka.Message
	closed bool
	done   chan struct{}
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisherWithWriter(w, kafkaQueueSize)
}

func newKafkaPublisherWithWriter(w MessageWriter, queueSize int) *KafkaPublisher {
	k := &KafkaPublisher{
		writer:  w,
		timeout: kafkaWriteTimeout,
		queue:   make(chan kafka.Message, queueSize),
		done:    make(chan struct{}),
	}
	go k.run()
	return k
}

func (k *KafkaPublisher) Publish(_ context.Context, ev ChangeEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.RequestID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
		Time: ev.At,
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil
	}
	select {
	case k.queue <- msg:
	default:
		observability.BusEventsDropped.Inc()
	}
	return nil
}

func (k *KafkaPublisher) run() {
	defer close(k.done)
	for msg := range k.queue {
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		if err := k.writer.WriteMessages(ctx, msg); err != nil {
			observability.BusPublishErrors.WithLabelValues(kafkaSink).Inc()
		}
		cancel()
	}
}

// Close flushes queued events and closes the writer.
func (k *KafkaPublisher) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()
	<-k.done
	return k.writer.Close()
}
