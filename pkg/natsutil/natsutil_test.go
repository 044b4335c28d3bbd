package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type payload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestTraceContextCrossesNATS(t *testing.T) {
	nc := startTestNATS(t)
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b, 0x0c, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	got := make(chan trace.SpanContext, 1)
	sub, err := Subscribe(nc, "test.trace", func(ctx context.Context, _ payload, _ *nats.Msg) {
		got <- trace.SpanContextFromContext(ctx)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	if err := Publish(ctx, nc, "test.trace", payload{Name: "traced"}); err != nil {
		t.Fatal(err)
	}
	select {
	case remote := <-got:
		if remote.TraceID() != sc.TraceID() || !remote.IsRemote() {
			t.Fatalf("trace not propagated: %v", remote)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishWithHeader(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("test.pub", ch)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	hdr := nats.Header{}
	hdr.Set("X-Retry-Count", "2")
	if err := PublishWithHeader(context.Background(), nc, "test.pub", payload{Name: "hello", Value: 1}, hdr); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ch:
		var p payload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.Name != "hello" || p.Value != 1 {
			t.Fatalf("unexpected payload %+v", p)
		}
		if msg.Header.Get("X-Retry-Count") != "2" {
			t.Fatalf("header lost: %v", msg.Header)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestSubscribeDecodes(t *testing.T) {
	nc := startTestNATS(t)

	got := make(chan payload, 1)
	decodeErrs := make(chan error, 1)
	sub, err := Subscribe(nc, "test.sub", func(_ context.Context, p payload, _ *nats.Msg) {
		got <- p
	}, func(err error) { decodeErrs <- err })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish("test.sub", []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := Publish(context.Background(), nc, "test.sub", payload{Name: "x", Value: 7}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-decodeErrs:
		if err == nil {
			t.Fatal("expected decode error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for decode error")
	}
	select {
	case p := <-got:
		if p.Value != 7 {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishOnClosedConn(t *testing.T) {
	nc := startTestNATS(t)
	nc.Close()
	err := Publish(context.Background(), nc, "test.closed", payload{})
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
