package events

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog(t *testing.T) *logrus.Entry {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", t.Name())
}

func TestPublishDeliversToRoutedHandler(t *testing.T) {
	bus := NewBus(testLog(t))
	var got []byte
	bus.Route("orders", func(_ context.Context, data []byte) error {
		got = data
		return nil
	})
	if err := bus.Publish(context.Background(), "orders", []byte(`{"order_id":"ord-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if string(got) != `{"order_id":"ord-1"}` {
		t.Fatalf("handler got %q", got)
	}
}

func TestPublishUnroutedTopicIsDropped(t *testing.T) {
	bus := NewBus(testLog(t))
	if err := bus.Publish(context.Background(), "nowhere", []byte("x")); err != nil {
		t.Fatalf("unrouted publish should be dropped, got %v", err)
	}
}

func TestPublishPropagatesHandlerError(t *testing.T) {
	bus := NewBus(testLog(t))
	cause := errors.New("stage failed")
	bus.Route("orders", func(context.Context, []byte) error { return cause })
	err := bus.Publish(context.Background(), "orders", nil)
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
	if !strings.Contains(err.Error(), "orders") {
		t.Fatalf("err missing topic: %v", err)
	}
}

func TestRouteReplacesEarlierBinding(t *testing.T) {
	bus := NewBus(testLog(t))
	calls := []string{}
	bus.Route("t", func(context.Context, []byte) error {
		calls = append(calls, "first")
		return nil
	})
	bus.Route("t", func(context.Context, []byte) error {
		calls = append(calls, "second")
		return nil
	})
	if err := bus.Publish(context.Background(), "t", nil); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "second" {
		t.Fatalf("calls = %v", calls)
	}
}
