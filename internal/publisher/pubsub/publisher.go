// Package pubsub publishes task outcome notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Attributer is implemented by payloads that want Pub/Sub message attributes
// set, so subscribers can filter without decoding the body.
type Attributer interface {
	Attributes() map[string]string
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals payload to JSON, publishes it and waits for the server ID.
// The topic argument is informational; the wrapped publisher is already bound.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	msg, err := newMessage(ctx, otel.GetTextMapPropagator(), payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and releases the publisher's goroutines.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// newMessage encodes payload and fills attributes from the payload and from
// the trace context in ctx, so subscribers can continue the trace.
func newMessage(ctx context.Context, prop propagation.TextMapPropagator, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := propagation.MapCarrier{}
	if withAttrs, ok := payload.(Attributer); ok {
		for k, v := range withAttrs.Attributes() {
			attrs[k] = v
		}
	}
	if prop != nil {
		prop.Inject(ctx, attrs)
	}
	msg := &pubsub.Message{Data: data}
	if len(attrs) > 0 {
		msg.Attributes = attrs
	}
	return msg, nil
}
