package storage

import (
	"context"
)

func (s *DB) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO audit (at, actor, action, target, ok, err, meta) VALUES (?,?,?,?,?,?,?)`,
		utc(e.At), e.Actor, e.Action, e.Target, e.OK, e.Error, e.Meta)
	return mapErr("append audit", err)
}
