package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"shopd/pkg/logx"
)

// PutDedup records that key is suppressed until the given time.
func (s *DB) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx, `INSERT INTO dedup (key, until) VALUES (?,?)
		ON CONFLICT (key) DO UPDATE SET until = excluded.until`, key, until.UnixMilli())
	if err == nil && s.pruneEvery > 0 && s.dedupOps.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 200*time.Millisecond)
		if _, perr := s.exec(pctx, `DELETE FROM dedup WHERE until < ?`, s.now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return mapErr("put dedup", err)
}

func (s *DB) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.queryRow(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, mapErr("get dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}
