package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// ========================================
// MessageBus 测试
// ========================================

func TestPublishSubscribe(t *testing.T) {
	b := NewMessageBus()
	sub := b.Subscribe("s1", "run.r-1")

	b.Publish(Message{
		Topic:   RunTopic("r-1", "event"),
		Type:    MsgRunEvent,
		Payload: json.RawMessage(`{"chunk":"hello"}`),
	})

	select {
	case msg := <-sub.Ch:
		if msg.Topic != "run.r-1.event" {
			t.Errorf("topic = %q, want run.r-1.event", msg.Topic)
		}
		if msg.Seq != 1 {
			t.Errorf("seq = %d, want 1", msg.Seq)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestTopicFiltering(t *testing.T) {
	b := NewMessageBus()
	subA := b.Subscribe("sa", "run.r-1")
	subB := b.Subscribe("sb", "run.r-2")
	subAll := b.Subscribe("sall", "*")

	b.Publish(Message{Topic: RunTopic("r-1", "status"), Type: MsgRunStatus})

	// subA 应收到
	select {
	case <-subA.Ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("subA should receive run.r-1.status")
	}

	// subB 不应收到
	select {
	case <-subB.Ch:
		t.Fatal("subB should not receive run.r-1.status")
	case <-time.After(50 * time.Millisecond):
	}

	// 通配订阅收到一切
	select {
	case <-subAll.Ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("subAll should receive with '*' filter")
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"*", "anything", true},
		{"*", "run.r-1.event", true},
		{"run.r-1", "run.r-1", true},
		{"run.r-1", "run.r-1.event", true},
		{"run.r-1", "run.r-1.status", true},
		{"run.r-1", "run.r-2.event", false},
		{"run.r-1", "run.r-1x", false},
		{"system", "system", true},
		{"system", "system.health", true},
		{"system", "run.r-1", false},
		{"conversation.c-1", "conversation.c-1", true},
	}
	for _, tc := range tests {
		got := matchTopic(tc.filter, tc.topic)
		if got != tc.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewMessageBus()
	b.Subscribe("s1", "*")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe("s1")
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
}

func TestOnPublishCallback(t *testing.T) {
	b := NewMessageBus()
	var captured Message
	b.SetOnPublish(func(msg Message) {
		captured = msg
	})

	b.Publish(Message{Topic: "test", Type: "ping"})

	if captured.Topic != "test" {
		t.Errorf("captured topic = %q, want test", captured.Topic)
	}
}

func TestSeq(t *testing.T) {
	b := NewMessageBus()
	sub := b.Subscribe("s1", "*")

	for i := 0; i < 3; i++ {
		b.Publish(Message{Topic: "system", Type: "ping"})
	}

	for want := int64(1); want <= 3; want++ {
		msg := <-sub.Ch
		if msg.Seq != want {
			t.Errorf("seq = %d, want %d", msg.Seq, want)
		}
	}
	if b.Seq() != 3 {
		t.Errorf("bus seq = %d, want 3", b.Seq())
	}
}

// TestConcurrentPublish 并发发布后 seq 连续且无竞态。
func TestConcurrentPublish(t *testing.T) {
	b := NewMessageBus()
	sub := b.Subscribe("s1", "*")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(Message{Topic: "system", Type: "ping"})
		}()
	}
	wg.Wait()

	if b.Seq() != n {
		t.Fatalf("seq = %d, want %d", b.Seq(), n)
	}

	seen := make(map[int64]bool)
	for i := 0; i < n; i++ {
		msg := <-sub.Ch
		if seen[msg.Seq] {
			t.Fatalf("duplicate seq %d", msg.Seq)
		}
		seen[msg.Seq] = true
	}
}

// TestFullChannelDrops 通道满时丢弃而非阻塞发布者。
func TestFullChannelDrops(t *testing.T) {
	b := NewMessageBus()
	b.Subscribe("slow", "*") // 不消费

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ { // 超过通道容量 64
			b.Publish(Message{Topic: "system", Type: "ping"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on full subscriber channel")
	}
}
