package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeAllTopics(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish("session.created", "hello")

	select {
	case ev := <-sub:
		if ev.Topic != "session.created" || ev.Payload != "hello" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeTopicFilter(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub, unsubscribe := b.Subscribe("permission.asked")
	defer unsubscribe()

	b.Publish("session.created", "ignored")
	b.Publish("permission.asked", "wanted")

	select {
	case ev := <-sub:
		if ev.Topic != "permission.asked" {
			t.Fatalf("expected filtered topic, got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-sub:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub, unsubscribe := b.Subscribe()
	unsubscribe()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected channel to be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
