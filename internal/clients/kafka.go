package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"btc-payable/internal/domain"

	"github.com/IBM/sarama"
)

func kafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_4_0_0
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	return config
}

// KafkaPublisher announces settled obligations on a topic keyed by
// obligation ID.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(brokers []string, topic string, attempts int) (*KafkaPublisher, error) {
	var (
		producer sarama.SyncProducer
		err      error
	)
	for i := 1; i <= attempts; i++ {
		producer, err = sarama.NewSyncProducer(brokers, kafkaConfig())
		if err == nil {
			log.Printf("[KAFKA] producer connected to %v", brokers)
			return newKafkaPublisher(producer, topic), nil
		}
		log.Printf("[KAFKA] waiting for brokers (%d/%d): %v", i, attempts, err)
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("kafka producer: %w", err)
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) OnPaymentSettled(ctx context.Context, o domain.Obligation) error {
	data, err := json.Marshal(domain.NewSettlementEvent(o))
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(o.ID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	log.Printf("[KAFKA] published %s for %s", p.topic, o.ID)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// ObservedTxEvent is a chain watcher report of a payment to an address.
type ObservedTxEvent struct {
	Address        string    `json:"address"`
	TxHash         string    `json:"tx_hash"`
	EstimatedValue int64     `json:"estimated_value"`
	ObservedAt     time.Time `json:"observed_at"`
}

// ObservedTxHandler returns a permanent error for events that can never be
// applied; those are skipped instead of retried.
type ObservedTxHandler func(ctx context.Context, ev ObservedTxEvent) error

var ErrSkipEvent = errors.New("skip event")

const handlerAttempts = 3

// KafkaConsumer feeds observed transactions from a topic into a handler.
type KafkaConsumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler ObservedTxHandler
	backoff time.Duration
}

func NewKafkaConsumer(brokers []string, groupID, topic string, attempts int, handler ObservedTxHandler) (*KafkaConsumer, error) {
	var (
		group sarama.ConsumerGroup
		err   error
	)
	for i := 1; i <= attempts; i++ {
		group, err = sarama.NewConsumerGroup(brokers, groupID, kafkaConfig())
		if err == nil {
			log.Printf("[KAFKA] consumer group %s connected", groupID)
			return &KafkaConsumer{group: group, topic: topic, handler: handler, backoff: time.Second}, nil
		}
		log.Printf("[KAFKA] waiting for brokers (%d/%d): %v", i, attempts, err)
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("kafka consumer group: %w", err)
}

// Run consumes until ctx is done.
func (c *KafkaConsumer) Run(ctx context.Context) {
	log.Printf("[KAFKA] listening on %s", c.topic)
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			log.Printf("[KAFKA] consume error: %v", err)
			time.Sleep(5 * time.Second)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.group.Close()
}

func (c *KafkaConsumer) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (c *KafkaConsumer) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message only once it is applied or skipped. A
// transient failure ends the session unmarked so the group redelivers it.
func (c *KafkaConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := c.handleMessage(session.Context(), msg); err != nil {
			return fmt.Errorf("message %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// handleMessage returns an error only when the event may still succeed later.
func (c *KafkaConsumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev ObservedTxEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Printf("[KAFKA] bad message at %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return nil
	}
	if ev.Address == "" || ev.TxHash == "" {
		log.Printf("[KAFKA] message at %s/%d@%d has no address or tx_hash", msg.Topic, msg.Partition, msg.Offset)
		return nil
	}

	var err error
	for i := 1; i <= handlerAttempts; i++ {
		err = c.handler(ctx, ev)
		if err == nil || errors.Is(err, ErrSkipEvent) || ctx.Err() != nil {
			break
		}
		time.Sleep(c.backoff * time.Duration(i))
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSkipEvent):
		log.Printf("[KAFKA] tx %s to %s skipped: %v", ev.TxHash, ev.Address, err)
		return nil
	default:
		log.Printf("[KAFKA] tx %s to %s not applied: %v", ev.TxHash, ev.Address, err)
		return err
	}
}
