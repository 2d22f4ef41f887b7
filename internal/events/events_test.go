package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"schemahub/internal/dispatch"
)

func TestChannelRequiresOwnerDispatcher(t *testing.T) {
	d := dispatch.New("db")
	defer func() { _ = d.Close(context.Background()) }()
	ch := NewChannel[string](d)

	if _, err := ch.Subscribe(context.Background(), func(context.Context, string) {}); !errors.Is(err, dispatch.ErrAccessViolation) {
		t.Fatalf("expected access violation, got %v", err)
	}
	if err := ch.Publish(context.Background(), "x"); !errors.Is(err, dispatch.ErrAccessViolation) {
		t.Fatalf("expected access violation, got %v", err)
	}
}

func TestChannelDeliversInSubscriptionOrder(t *testing.T) {
	d := dispatch.New("db")
	defer func() { _ = d.Close(context.Background()) }()
	ch := NewChannel[int](d)
	var got []string
	err := d.Run(context.Background(), func(ctx context.Context) error {
		if _, err := ch.Subscribe(ctx, func(_ context.Context, v int) { got = append(got, "a") }); err != nil {
			return err
		}
		unsub, err := ch.Subscribe(ctx, func(_ context.Context, v int) { got = append(got, "b") })
		if err != nil {
			return err
		}
		if _, err := ch.Subscribe(ctx, func(_ context.Context, v int) { got = append(got, "c") }); err != nil {
			return err
		}
		if err := ch.Publish(ctx, 1); err != nil {
			return err
		}
		unsub()
		unsub()
		return ch.Publish(ctx, 2)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "a", "c"}, got); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
	if ch.Len() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", ch.Len())
	}
}

func TestMergePatch(t *testing.T) {
	type doc struct {
		Name    string `json:"name"`
		Comment string `json:"comment,omitempty"`
	}
	patch, err := MergePatch(doc{Name: "T", Comment: "old"}, doc{Name: "T2"})
	if err != nil {
		t.Fatalf("MergePatch: %v", err)
	}
	if string(patch) != `{"comment":null,"name":"T2"}` {
		t.Fatalf("unexpected patch %s", patch)
	}
}

func TestRecorderAndFanout(t *testing.T) {
	var a, b Recorder
	var called int
	sink := Fanout{&a, nil, &b, SinkFunc(func(context.Context, Notification) { called++ })}
	sink.Notify(context.Background(), Notification{Kind: KindCreated, Items: []Item{{Path: "/A/"}}})
	sink.Notify(context.Background(), Notification{Kind: KindStateChanged})
	if diff := cmp.Diff([]Kind{KindCreated, KindStateChanged}, b.Kinds()); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if a.Count(KindCreated) != 1 || called != 2 {
		t.Fatalf("expected every sink to observe the notifications")
	}
	if diff := cmp.Diff([]string{"/A/"}, a.Notifications()[0].Paths()); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
	a.Reset()
	if len(a.Notifications()) != 0 {
		t.Fatalf("expected reset to clear the recorder")
	}
	LogSink{}.Notify(context.Background(), Notification{})
}

func TestAsyncSinkForwardsAndDrainsOnStop(t *testing.T) {
	var rec Recorder
	block := make(chan struct{})
	slow := SinkFunc(func(ctx context.Context, n Notification) {
		<-block
		rec.Notify(ctx, n)
	})
	s := NewAsyncSink(slow, 2, nil)
	s.Notify(context.Background(), Notification{Kind: KindCreated})
	// The worker may already hold the first item; wait until the buffer is free again.
	deadline := time.Now().Add(time.Second)
	for len(s.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Notify(context.Background(), Notification{Kind: KindRenamed})
	s.Notify(context.Background(), Notification{Kind: KindMoved})
	s.Notify(context.Background(), Notification{Kind: KindDeleted})
	if s.Dropped() != 1 {
		t.Fatalf("expected one dropped notification, got %d", s.Dropped())
	}
	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if diff := cmp.Diff([]Kind{KindCreated, KindRenamed, KindMoved}, rec.Kinds()); diff != "" {
		t.Fatalf("forwarded kinds mismatch (-want +got):\n%s", diff)
	}
	s.Notify(context.Background(), Notification{Kind: KindCreated})
	if rec.Count(KindCreated) != 1 {
		t.Fatalf("expected notifications after stop to be ignored")
	}
}
