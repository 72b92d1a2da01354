package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.collab/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS collab_events (
	id          UUID PRIMARY KEY,
	project_id  TEXT        NOT NULL,
	session_id  TEXT        NOT NULL,
	user_id     TEXT        NOT NULL,
	event       TEXT        NOT NULL,
	section_id  TEXT        NOT NULL DEFAULT '',
	seq         BIGINT      NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collab_events_project ON collab_events (project_id, created_at);
`

const insertQuery = `
	INSERT INTO collab_events (id, project_id, session_id, user_id, event, section_id, seq, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// Connect 连接 PostgreSQL
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// PgSink 使用 pgx.Batch 批量插入 collab_events
type PgSink struct {
	db *pgxpool.Pool
}

// NewPgSink 创建 PostgreSQL 写入目标
func NewPgSink(db *pgxpool.Pool) *PgSink {
	return &PgSink{db: db}
}

// EnsureSchema 建表
func (s *PgSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

// WriteBatch 实现 Sink
func (s *PgSink) WriteBatch(ctx context.Context, records []Record) error {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertQuery,
			r.ID,
			r.ProjectID,
			r.SessionID,
			r.UserID,
			r.Event,
			r.SectionID,
			r.Seq,
			r.CreatedAt,
		)
	}

	br := s.db.SendBatch(ctx, batch)
	var errs []error
	for i := range records {
		if _, err := br.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", records[i].ID, err))
		}
	}
	if err := br.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CountByProject 查询项目的审计记录数
func (s *PgSink) CountByProject(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM collab_events WHERE project_id = $1`, projectID).Scan(&n)
	return n, err
}
