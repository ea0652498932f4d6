package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Producer publishes a message on a topic.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Job is the message a delivery worker consumes from the SMS topic.
type Job struct {
	PhoneNumber string            `json:"phoneNumber"`
	Template    string            `json:"template"`
	Variables   map[string]string `json:"variables"`
	RequestedAt time.Time         `json:"requestedAt"`
}

const RecoveryTemplate = "recovery-code"

// KafkaSender hands codes to an SMS delivery worker through Kafka.
type KafkaSender struct {
	producer Producer
	topic    string
	now      func() time.Time
}

func NewKafkaSender(producer Producer, topic string) *KafkaSender {
	return &KafkaSender{producer: producer, topic: topic, now: time.Now}
}

func (k *KafkaSender) SendCode(ctx context.Context, phoneNumber, code string) error {
	value, err := json.Marshal(Job{
		PhoneNumber: phoneNumber,
		Template:    RecoveryTemplate,
		Variables:   map[string]string{"verification-code": code},
		RequestedAt: k.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms job: %w", err)
	}
	if err := k.producer.ProduceMessage(ctx, k.topic, []byte(phoneNumber), value, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}
