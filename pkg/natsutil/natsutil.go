// Package natsutil carries JSON payloads over NATS with trace context in the
// message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// carrier exposes NATS headers to the OTel propagator. nats.Header and
// http.Header share an underlying type.
func carrier(msg *nats.Msg) propagation.HeaderCarrier {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	return propagation.HeaderCarrier(msg.Header)
}

// Publish sends v as JSON on subject.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	return PublishWithHeader(ctx, nc, subject, v, nil)
}

// PublishWithHeader is Publish with extra headers copied onto the message.
func PublishWithHeader[T any](ctx context.Context, nc *nats.Conn, subject string, v T, hdr nats.Header) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: marshal %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, vals := range hdr {
		msg.Header[k] = append([]string(nil), vals...)
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier(msg))
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsutil: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe decodes each message on subject into T and calls handler with a
// context carrying the publisher's trace. Undecodable messages go to
// onDecodeErr, or are dropped when it is nil.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T, *nats.Msg), onDecodeErr func(error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onDecodeErr != nil {
				onDecodeErr(fmt.Errorf("natsutil: decode %s: %w", subject, err))
			}
			return
		}
		handler(otel.GetTextMapPropagator().Extract(context.Background(), carrier(msg)), v, msg)
	})
}
