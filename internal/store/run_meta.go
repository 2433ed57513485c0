// run_meta.go — runs 表存储 (run 元数据, 不含事件日志)。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-console/go-console/internal/run"
)

// RunMetaStore run 元数据存储。
type RunMetaStore struct{ BaseStore }

// NewRunMetaStore 创建。
func NewRunMetaStore(pool *pgxpool.Pool) *RunMetaStore {
	return &RunMetaStore{NewBaseStore(pool)}
}

const runCols = `id, conversation_id, provider, mode, status, prompt, model,
	error_summary, warnings, started_at, ended_at`

// terminalStatuses 终态集合 (SQL 侧守卫用)。
const terminalStatuses = `('completed','failed','canceled')`

// Save upsert run 元数据。
//
// 终态行不接受非终态覆盖 — 迟到的 running 快照不能把已完结的
// run 拉回活跃态 (CAS 式守卫在 SQL 里完成)。
func (s *RunMetaStore) Save(ctx context.Context, r run.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (
			id, conversation_id, provider, mode, status, prompt, model,
			error_summary, warnings, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error_summary = EXCLUDED.error_summary,
			warnings = EXCLUDED.warnings,
			ended_at = EXCLUDED.ended_at
		WHERE runs.status NOT IN `+terminalStatuses+`
			OR EXCLUDED.status IN `+terminalStatuses,
		r.ID, r.ConversationID, string(r.Provider), string(r.Mode), string(r.Status),
		r.Prompt, r.Model, r.ErrorSummary, string(mustMarshalJSON(r.Warnings)),
		r.StartedAt, r.EndedAt)
	return err
}

// Get 查询单条 run, 不存在返回 nil。
func (s *RunMetaStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+runCols+" FROM runs WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	return collectOne[RunRecord](rows)
}

// ListByConversation 按会话列出 run (创建时间升序 — 会话内全序)。
func (s *RunMetaStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]RunRecord, error) {
	q := NewQueryBuilder().Eq("conversation_id", conversationID)
	sql, params := q.Build("SELECT "+runCols+" FROM runs", "started_at ASC, id ASC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[RunRecord](rows)
}

// List 列表查询 (provider/status 过滤, 最近优先)。
func (s *RunMetaStore) List(ctx context.Context, provider, status string, limit int) ([]RunRecord, error) {
	q := NewQueryBuilder().
		Eq("provider", provider).
		Eq("status", status)
	sql, params := q.Build("SELECT "+runCols+" FROM runs", "started_at DESC, id DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[RunRecord](rows)
}
