// Package queue connects the pipeline stages. Stage N publishes a JSON
// message that stage N+1 consumes; data flows strictly forward.
package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Publisher publishes a payload to a named topic. Implementations must not
// report success until the broker has accepted the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// PubSub is the Cloud Pub/Sub backed Publisher.
type PubSub struct {
	client *pubsub.Client
}

func NewPubSub(ctx context.Context, projectID string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSub{client: client}, nil
}

func (p *PubSub) Close() error { return p.client.Close() }

// Publish sends the payload and awaits the server id so the invocation is not
// considered successful before the broker has the message.
func (p *PubSub) Publish(ctx context.Context, topic string, data []byte) error {
	res := p.client.Topic(topic).Publish(ctx, &pubsub.Message{Data: data})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// PushEnvelope is the wire shape of a Pub/Sub push delivery: the payload
// arrives base64-encoded inside message.data.
type PushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush unwraps a push delivery body into the inner JSON payload and
// decodes it into out.
func DecodePush(body []byte, out any) error {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode push envelope: %w", err)
	}
	if env.Message.Data == "" {
		return fmt.Errorf("push envelope has no message data")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return fmt.Errorf("decode message data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode message payload: %w", err)
	}
	return nil
}
