// Package store 提供 PostgreSQL 持久化: 会话、run 元数据、总线降级落盘。
//
// 内存状态对活跃 run 始终是权威 — store 只负责跨进程留痕与会话续接。
// 连接池缺失 (纯内存部署) 时上层直接不构造本包任何类型。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-console/go-console/internal/run"
)

// Store 聚合门面, 实现 engine.Persister。
type Store struct {
	Conversations *ConversationStore
	Runs          *RunMetaStore
	BusPending    *BusPendingStore
}

// New 创建聚合门面。
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Conversations: NewConversationStore(pool),
		Runs:          NewRunMetaStore(pool),
		BusPending:    NewBusPendingStore(pool),
	}
}

// SaveRun 落盘 run 元数据。
func (s *Store) SaveRun(ctx context.Context, r run.Run) error {
	return s.Runs.Save(ctx, r)
}

// SaveConversation 落盘新建会话。
func (s *Store) SaveConversation(ctx context.Context, conversationID string, provider run.Provider, title string) error {
	_, err := s.Conversations.Save(ctx, conversationID, string(provider), title)
	return err
}

// AttachSessionHandle 把提取到的会话句柄挂到会话上。
func (s *Store) AttachSessionHandle(ctx context.Context, conversationID, handle string) error {
	return s.Conversations.AttachSessionHandle(ctx, conversationID, handle)
}
