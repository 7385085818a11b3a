package store

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/showjihyun/trellis/internal/protocol"
)

// Store persists room history across server restarts: the accepted
// operations per room plus the compacted snapshot they fold into.
type Store struct {
	db *sql.DB
}

type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Store initialized at %s", dbPath)
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_ops (
		room_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		change_id TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		payload BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, seq),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_room_ops_change_id ON room_ops(room_id, change_id);

	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_id TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		base_seq INTEGER NOT NULL DEFAULT 0,
		op_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Room operations

func (s *Store) CreateRoom(id, name string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (s *Store) GetRoom(id string) (*Room, error) {
	row := s.db.QueryRow(
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := s.db.Query(
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *Store) TouchRoom(id string) error {
	_, err := s.db.Exec(
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

// DeleteRoom removes a room and all of its history. The ops and
// snapshot go too, so a room recreated under the same id starts from
// sequence zero instead of inheriting the old log.
func (s *Store) DeleteRoom(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM room_ops WHERE room_id = ?",
		"DELETE FROM room_snapshots WHERE room_id = ?",
		"DELETE FROM rooms WHERE id = ?",
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Operation log

// AppendOp records an accepted change under its room-assigned sequence
// number. Re-appending the same change id is a no-op, so retried writes
// after a crash stay harmless.
func (s *Store) AppendOp(roomID string, ch protocol.Change) error {
	if err := s.CreateRoom(roomID, ""); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO room_ops (room_id, seq, change_id, origin, kind, target_id, payload) VALUES (?, ?, ?, ?, ?, ?, ?)",
		roomID, ch.SequenceNumber, ch.ID, ch.Origin, ch.Kind, ch.TargetID, []byte(ch.Payload),
	)
	if err != nil {
		return err
	}

	return s.TouchRoom(roomID)
}

// OpsAfter returns the stored changes with sequence numbers greater than
// afterSeq, in order.
func (s *Store) OpsAfter(roomID string, afterSeq uint64) ([]protocol.Change, error) {
	rows, err := s.db.Query(
		"SELECT seq, change_id, origin, kind, target_id, payload FROM room_ops WHERE room_id = ? AND seq > ? ORDER BY seq ASC",
		roomID, afterSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []protocol.Change
	for rows.Next() {
		var ch protocol.Change
		var payload []byte
		if err := rows.Scan(&ch.SequenceNumber, &ch.ID, &ch.Origin, &ch.Kind, &ch.TargetID, &payload); err != nil {
			return nil, err
		}
		ch.Payload = payload
		ch.Applied = true
		ops = append(ops, ch)
	}
	return ops, rows.Err()
}

func (s *Store) OpCount(roomID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM room_ops WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// LastSeq reports the highest sequence number the room has ever
// recorded, whether it still sits in the op log or was folded into the
// snapshot.
func (s *Store) LastSeq(roomID string) (uint64, error) {
	var maxOp, baseSeq uint64
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM room_ops WHERE room_id = ?",
		roomID,
	).Scan(&maxOp)
	if err != nil {
		return 0, err
	}

	err = s.db.QueryRow(
		"SELECT COALESCE(base_seq, 0) FROM room_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&baseSeq)
	if err == sql.ErrNoRows {
		baseSeq = 0
	} else if err != nil {
		return 0, err
	}

	if baseSeq > maxOp {
		return baseSeq, nil
	}
	return maxOp, nil
}

// DeleteOpsThrough removes ops folded into a snapshot.
func (s *Store) DeleteOpsThrough(roomID string, seq uint64) error {
	_, err := s.db.Exec(
		"DELETE FROM room_ops WHERE room_id = ? AND seq <= ?",
		roomID, seq,
	)
	return err
}

// ClearOps drops a room's entire op tail. Used when the stored tail no
// longer lines up with the snapshot and only the snapshot is trustworthy.
func (s *Store) ClearOps(roomID string) error {
	_, err := s.db.Exec("DELETE FROM room_ops WHERE room_id = ?", roomID)
	return err
}

// Snapshots

func (s *Store) SaveSnapshot(roomID string, snapshot []byte, baseSeq uint64, opCount int) error {
	_, err := s.db.Exec(`
		INSERT INTO room_snapshots (room_id, snapshot_data, base_seq, op_count, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			base_seq = excluded.base_seq,
			op_count = excluded.op_count,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, snapshot, baseSeq, opCount)
	return err
}

// GetSnapshot returns the snapshot blob and the sequence number it
// covers through. A room without a snapshot yields nil and zero.
func (s *Store) GetSnapshot(roomID string) ([]byte, uint64, error) {
	var snapshot []byte
	var baseSeq uint64
	err := s.db.QueryRow(
		"SELECT snapshot_data, base_seq FROM room_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&snapshot, &baseSeq)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	return snapshot, baseSeq, err
}

// Stats

func (s *Store) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var opCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM room_ops").Scan(&opCount); err != nil {
		return nil, err
	}
	stats["op_count"] = opCount

	var snapshotCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM room_snapshots").Scan(&snapshotCount); err != nil {
		return nil, err
	}
	stats["snapshot_count"] = snapshotCount

	return stats, nil
}
