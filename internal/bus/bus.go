// Package bus 提供进程内事件总线。
//
// 引擎把 run 事件和状态变化发布到总线, dashboard 的 SSE 层和
// 持久化层通过订阅/全局回调消费 — 引擎不直接感知任何下游。
//
// 桥接:
//   - dashboard/sse.go EventBus — 总线事件自动转发到 SSE
//   - store — 终态 run 的元数据落盘
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// ========================================
// 消息类型
// ========================================

// Message 总线消息。
type Message struct {
	Topic     string          `json:"topic"`   // run.{id}.event / run.{id}.status / conversation.{id}
	Type      string          `json:"type"`    // 消息类型
	Payload   json.RawMessage `json:"payload"` // 具体数据
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// 消息类型常量。
const (
	// MsgRunEvent run 事件 (经状态机去重后的那份)。
	MsgRunEvent = "run_event"
	// MsgRunStatus run 状态变化 (queued/running/终态)。
	MsgRunStatus = "run_status"
	// MsgRunWarning 兼容性警告入账。
	MsgRunWarning = "run_warning"
	// MsgReplyReady 折叠回复就绪 (终态后派生完成)。
	MsgReplyReady = "reply_ready"
	// MsgTimelineUpdate 会话转写需要刷新。
	MsgTimelineUpdate = "timeline_update"
	// MsgSessionHandle 会话句柄提取成功。
	MsgSessionHandle = "session_handle"
)

// Topic 模式常量。
const (
	// TopicRunPrefix run 消息前缀: run.{id}.{subtopic}。
	TopicRunPrefix = "run."
	// TopicConversationPrefix 会话消息前缀: conversation.{id}。
	TopicConversationPrefix = "conversation."
	// TopicSystem 系统消息。
	TopicSystem = "system"

	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// RunTopic 组装 run 子主题, 如 RunTopic("r-1", "event") → "run.r-1.event"。
func RunTopic(runID, subtopic string) string {
	return TopicRunPrefix + runID + "." + subtopic
}

// ConversationTopic 组装会话主题。
func ConversationTopic(conversationID string) string {
	return TopicConversationPrefix + conversationID
}

// ========================================
// Subscriber
// ========================================

// Subscriber 订阅者。
type Subscriber struct {
	ID     string       // 唯一标识
	Filter string       // topic 前缀过滤 ("run.r-1" / "*" / "system")
	Ch     chan Message // 消息通道
}

// ========================================
// MessageBus — topic pub/sub
// ========================================

// MessageBus 进程内消息总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "run.r-1" → 收到 run.r-1.event, run.r-1.status 等
//   - 订阅 "*" → 收到所有消息
//   - 发布 run.r-1.event → 匹配 "run.r-1", "run.", "*" 的订阅者
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
	onPublish   func(Message) // 可选: 每条消息的全局回调 (用于桥接 SSE/落盘)
}

// NewMessageBus 创建消息总线。
func NewMessageBus() *MessageBus {
	return &MessageBus{
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOnPublish 设置全局发布回调 (用于桥接到 dashboard EventBus / store)。
func (b *MessageBus) SetOnPublish(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Publish 发布消息到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证消息到达顺序与 seq 一致。
func (b *MessageBus) Publish(msg Message) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	onPub := b.onPublish

	// 在同一把锁下完成 fan-out, 保证 seq 顺序
	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, msg.Topic) {
			select {
			case sub.Ch <- msg:
			default:
				// 通道满, 丢弃 (避免阻塞发布者)
			}
		}
	}
	b.mu.Unlock()

	// 全局回调在锁外执行 (回调可能耗时, 避免持锁太久)
	if onPub != nil {
		onPub(msg)
	}
}

// Subscribe 订阅消息。filter 为 topic 前缀 ("run.r-1" / "*" / "system")。
func (b *MessageBus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Message, 64),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅。
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *MessageBus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ========================================
// Topic 匹配
// ========================================

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "run.r-1" 匹配 "run.r-1", "run.r-1.event", "run.r-1.xxx"
//   - filter "system" 匹配 "system", "system.health"
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	// 前缀匹配: filter="run.r-1" 匹配 topic="run.r-1.event"
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
