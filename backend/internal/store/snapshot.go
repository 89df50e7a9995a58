package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"canvasCollab/backend/internal/room"
)

// 建表语句，EnsureSchema 启动时执行
const roomSnapshotsDDL = `CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id    VARCHAR(128) NOT NULL,
	revision   BIGINT UNSIGNED NOT NULL,
	content    LONGBLOB NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (room_id, revision)
)`

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

var _ room.SnapshotStore = (*SnapshotStore)(nil)

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, roomSnapshotsDDL)
	return err
}

func (s *SnapshotStore) SaveRoomSnapshot(ctx context.Context, roomID string, rev uint64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_snapshots (room_id, revision, content)
		VALUES (?, ?, ?)`,
		roomID,
		rev,
		data,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一 revision 已经存过，内容必然相同
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *SnapshotStore) LoadLatestRoomSnapshot(ctx context.Context, roomID string) ([]byte, uint64, error) {
	var (
		data []byte
		rev  uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content, revision FROM room_snapshots
		WHERE room_id = ? ORDER BY revision DESC LIMIT 1`,
		roomID,
	).Scan(&data, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, room.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return data, rev, nil
}
