package adaptive

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// PersistentLayer wraps Layer with a SQLite mirror of the adaptive table,
// so a restarted coordinator does not re-run every path's grace period
// from zero. The in-memory Layer remains authoritative at runtime; SQLite
// is a reload-on-restart convenience, not a transactional source of truth.
type PersistentLayer struct {
	*Layer
	db *sql.DB
}

// NewPersistentLayer opens (or creates) a SQLite-backed mirror at dbPath
// and replays any existing rows into a fresh in-memory Layer.
func NewPersistentLayer(dbPath string, cfg Config, log *zap.Logger) (*PersistentLayer, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open adaptive db: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS adaptive_records (
		service_id  TEXT NOT NULL,
		path        TEXT NOT NULL,
		first_seen  TEXT NOT NULL,
		last_seen   TEXT NOT NULL,
		count       INTEGER NOT NULL,
		state       TEXT NOT NULL,
		PRIMARY KEY (service_id, path)
	)`); err != nil {
		db.Close()
		return nil, err
	}

	pl := &PersistentLayer{Layer: New(cfg, log), db: db}
	if err := pl.loadFromDB(); err != nil {
		db.Close()
		return nil, err
	}
	return pl, nil
}

// Close shuts down the database handle.
func (pl *PersistentLayer) Close() error { return pl.db.Close() }

// Checkpoint writes every in-memory record to SQLite. The adaptive table
// changes on every event, so callers typically checkpoint on a cron
// schedule (internal/coordinator/maintenance.go) rather than per-event.
func (pl *PersistentLayer) Checkpoint() error {
	pl.mu.Lock()
	records := make([]Record, 0, len(pl.records))
	for _, r := range pl.records {
		records = append(records, *r)
	}
	pl.mu.Unlock()

	tx, err := pl.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM adaptive_records`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO adaptive_records
		(service_id, path, first_seen, last_seen, count, state) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.ServiceID, r.Path,
			r.FirstSeen.Format(time.RFC3339Nano), r.LastSeen.Format(time.RFC3339Nano),
			r.Count, r.State.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (pl *PersistentLayer) loadFromDB() error {
	rows, err := pl.db.Query(`SELECT service_id, path, first_seen, last_seen, count, state FROM adaptive_records`)
	if err != nil {
		return err
	}
	defer rows.Close()

	pl.Layer.mu.Lock()
	defer pl.Layer.mu.Unlock()

	for rows.Next() {
		var serviceID, path, firstSeen, lastSeen, state string
		var count uint64
		if err := rows.Scan(&serviceID, &path, &firstSeen, &lastSeen, &count, &state); err != nil {
			continue
		}

		first, _ := time.Parse(time.RFC3339Nano, firstSeen)
		last, _ := time.Parse(time.RFC3339Nano, lastSeen)

		rec := &Record{
			ServiceID: serviceID,
			Path:      path,
			FirstSeen: first,
			LastSeen:  last,
			Count:     count,
			State:     parseState(state),
		}
		key := recordKey{serviceID: serviceID, path: path}
		pl.Layer.records[key] = rec
		rec.elem = pl.Layer.lru.PushFront(key)
	}
	return rows.Err()
}

func parseState(s string) State {
	switch s {
	case "PROMOTED":
		return Promoted
	case "SUPPRESSED":
		return Suppressed
	default:
		return Observing
	}
}
