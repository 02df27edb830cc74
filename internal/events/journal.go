package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/ipclient/internal/logging"
)

// JournalConfig configures the callback journal.
type JournalConfig struct {
	// FlushInterval is how often buffered events are written (default 2s).
	FlushInterval time.Duration

	// JanitorInterval is how often old rows are pruned (default 1h).
	JanitorInterval time.Duration

	// Retention is how long rows are kept (default 7 days).
	Retention time.Duration
}

// DefaultJournalConfig returns the daemon defaults.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		FlushInterval:   2 * time.Second,
		JanitorInterval: time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// Record is one journaled event.
type Record struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Interface string          `json:"interface"`
	CycleID   string          `json:"cycle_id,omitempty"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Journal subscribes to a Hub and writes every event to SQLite.
type Journal struct {
	db     *sql.DB
	hub    *Hub
	cfg    JournalConfig
	logger *logging.Logger

	bufferMu sync.Mutex
	buffer   []Event

	ch     <-chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenJournal opens (creating if needed) the journal database at path.
// ":memory:" keeps it in memory.
func OpenJournal(path string, hub *Hub, cfg JournalConfig, logger *logging.Logger) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	def := DefaultJournalConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if logger == nil {
		logger = logging.WithComponent("journal")
	}
	return &Journal{db: db, hub: hub, cfg: cfg, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS callback_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			interface TEXT NOT NULL,
			cycle_id TEXT,
			type TEXT NOT NULL,
			data TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_callback_events_iface ON callback_events(interface, id);
		CREATE INDEX IF NOT EXISTS idx_callback_events_ts ON callback_events(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

// Start subscribes to the hub and begins the flush and janitor loops.
func (j *Journal) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.ch = j.hub.Subscribe(1024)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-j.ch:
				j.Append(e)
			}
		}
	}()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := j.Flush(); err != nil {
					j.logger.Warn("Journal flush failed", "error", err)
				}
			}
		}
	}()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := j.Prune(time.Now().Add(-j.cfg.Retention))
				if err != nil {
					j.logger.Warn("Journal prune failed", "error", err)
				} else if n > 0 {
					j.logger.Debug("Pruned journal", "rows", n)
				}
			}
		}
	}()
}

// Stop ends the loops and writes whatever is buffered.
func (j *Journal) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	j.wg.Wait()
	j.hub.Unsubscribe(j.ch)
drain:
	for {
		select {
		case e := <-j.ch:
			j.Append(e)
		default:
			break drain
		}
	}
	if err := j.Flush(); err != nil {
		j.logger.Warn("Final journal flush failed", "error", err)
	}
	j.cancel = nil
}

// Append buffers an event for the next flush.
func (j *Journal) Append(e Event) {
	j.bufferMu.Lock()
	j.buffer = append(j.buffer, e)
	j.bufferMu.Unlock()
}

// Flush writes buffered events in one transaction.
func (j *Journal) Flush() error {
	j.bufferMu.Lock()
	pending := j.buffer
	j.buffer = nil
	j.bufferMu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO callback_events (timestamp, interface, cycle_id, type, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range pending {
		var data sql.NullString
		if e.Data != nil {
			b, err := json.Marshal(e.Data)
			if err != nil {
				j.logger.Warn("Dropping unencodable event", "type", e.Type, "error", err)
				continue
			}
			data = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.Exec(e.Timestamp.UnixMilli(), e.Interface, e.CycleID, string(e.Type), data); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Query returns up to limit records for iface, newest first. An empty
// iface matches all interfaces.
func (j *Journal) Query(iface string, limit int) ([]Record, error) {
	query := `SELECT id, timestamp, interface, cycle_id, type, data FROM callback_events`
	var args []any
	if iface != "" {
		query += " WHERE interface = ?"
		args = append(args, iface)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			ms      int64
			cycleID sql.NullString
			data    sql.NullString
			typ     string
		)
		if err := rows.Scan(&r.ID, &ms, &r.Interface, &cycleID, &typ, &data); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		r.Timestamp = time.UnixMilli(ms)
		r.CycleID = cycleID.String
		r.Type = EventType(typ)
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune removes records older than cutoff.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	res, err := j.db.Exec("DELETE FROM callback_events WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the journal and closes the database.
func (j *Journal) Close() error {
	j.Stop()
	return j.db.Close()
}
