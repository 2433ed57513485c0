// conversation.go — conversations 表存储。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConversationStore 会话存储。
type ConversationStore struct{ BaseStore }

// NewConversationStore 创建。
func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{NewBaseStore(pool)}
}

const conversationCols = `id, provider, title, session_handle, created_at, updated_at, archived_at`

// Save 创建或更新会话 (title 变更走同一路径)。
func (s *ConversationStore) Save(ctx context.Context, id, provider, title string) (*ConversationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		INSERT INTO conversations (id, provider, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			updated_at = NOW()
		RETURNING `+conversationCols,
		id, provider, title)
	if err != nil {
		return nil, err
	}
	return collectOne[ConversationRecord](rows)
}

// Get 查询单个会话, 不存在返回 nil。
func (s *ConversationStore) Get(ctx context.Context, id string) (*ConversationRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+conversationCols+" FROM conversations WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	return collectOne[ConversationRecord](rows)
}

// List 列表查询。provider/keyword 为空时不过滤; includeArchived=false 时排除已归档。
func (s *ConversationStore) List(ctx context.Context, provider, keyword string, includeArchived bool, limit int) ([]ConversationRecord, error) {
	q := NewQueryBuilder().
		Eq("provider", provider).
		KeywordLike(keyword, "title")
	if !includeArchived {
		q.Raw("archived_at IS NULL")
	}
	sql, params := q.Build(
		"SELECT "+conversationCols+" FROM conversations",
		"updated_at DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[ConversationRecord](rows)
}

// AttachSessionHandle 挂接提取到的会话句柄。已有句柄不覆盖 — 第一个命中为准。
func (s *ConversationStore) AttachSessionHandle(ctx context.Context, id, handle string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET session_handle = $2, updated_at = NOW()
		WHERE id = $1 AND (session_handle IS NULL OR session_handle = '')`,
		id, handle)
	return err
}

// Archive 归档会话 (幂等)。
func (s *ConversationStore) Archive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET archived_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND archived_at IS NULL`, id)
	return err
}

// Unarchive 取消归档。
func (s *ConversationStore) Unarchive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET archived_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}
