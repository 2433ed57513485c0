// bus_pending.go — bus_pending 表存储 (总线降级落盘)。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-console/go-console/internal/bus"
)

// BusPendingStore 总线降级存储, 实现 bus.FallbackStore。
type BusPendingStore struct{ BaseStore }

// NewBusPendingStore 创建。
func NewBusPendingStore(pool *pgxpool.Pool) *BusPendingStore {
	return &BusPendingStore{NewBaseStore(pool)}
}

// SavePending 保存一条未投递消息。
func (s *BusPendingStore) SavePending(ctx context.Context, msg bus.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bus_pending (topic, msg_type, payload) VALUES ($1, $2, $3)`,
		msg.Topic, msg.Type, msg.Payload)
	return err
}

// LoadPending 加载最早的 N 条 pending 消息 (按 seq 升序)。
func (s *BusPendingStore) LoadPending(ctx context.Context, limit int) ([]bus.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, topic, msg_type, payload, created_at FROM bus_pending ORDER BY seq ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	pending, err := collectRows[BusPendingMessage](rows)
	if err != nil {
		return nil, err
	}
	msgs := make([]bus.Message, 0, len(pending))
	for _, p := range pending {
		msgs = append(msgs, bus.Message{
			Topic:     p.Topic,
			Type:      p.MsgType,
			Payload:   p.Payload,
			Timestamp: p.CreatedAt,
			Seq:       p.Seq,
		})
	}
	return msgs, nil
}

// DeletePending 删除已补发的消息。
func (s *BusPendingStore) DeletePending(ctx context.Context, seq int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bus_pending WHERE seq = $1`, seq)
	return err
}

// CountPending 统计 pending 消息数量 (诊断用)。
func (s *BusPendingStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bus_pending`).Scan(&count)
	return count, err
}
