// Package audit implements the kernel's append-only, hash-chained audit log.
// Entries are buffered in memory and flushed in batches to an embedded
// sqlite store; each entry's hash covers the previous entry's hash, so any
// mutation of a persisted entry is detectable.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// GenesisHash is the prev_hash of the first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry categories.
const (
	CategoryPolicy    = "policy"
	CategoryTool      = "tool"
	CategoryAI        = "ai"
	CategoryLifecycle = "lifecycle"
	CategoryError     = "error"
)

// ErrClosed is returned by Append once the logger has been closed.
var ErrClosed = errors.New("audit logger closed")

// Entry is a single audit record. The logger assigns the timestamp when the
// entry is appended, and the ID and hashes at flush time.
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"timestamp"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Detail    map[string]any `json:"detail"`
	Decision  string         `json:"decision,omitempty"`
	HashV     int            `json:"hash_v"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// VerifyResult reports the outcome of an integrity check. BrokenAt is the id
// of the first entry whose hash or chain link fails.
type VerifyResult struct {
	Valid    bool  `json:"valid"`
	BrokenAt int64 `json:"broken_at,omitempty"`
}

// Config tunes the logger. Zero values take defaults.
type Config struct {
	FlushThreshold int           // pending entries before an automatic flush (default 32)
	FlushInterval  time.Duration // periodic flush cadence (default 2s)
	SizeWarnBytes  int64         // file-size warning threshold (default 100 MiB)
	Logger         *log.Logger
}

// Logger is the single writer over the audit store. Appends from multiple
// goroutines are safe; the flush path runs under a flushing flag so it is
// never re-entered.
type Logger struct {
	db     *sql.DB
	path   string
	logger *log.Logger

	flushThreshold int
	sizeWarnBytes  int64

	mu       sync.Mutex
	pending  []Entry
	flushing bool
	closed   bool
	lastTS   time.Time
	warned   bool

	stop chan struct{}
	done chan struct{}
}

// Open opens (creating if needed) the audit store at path and starts the
// periodic flush loop.
func Open(path string, cfg Config) (*Logger, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[audit] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.SizeWarnBytes <= 0 {
		cfg.SizeWarnBytes = 100 * 1024 * 1024
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			category  TEXT NOT NULL,
			action    TEXT NOT NULL,
			actor     TEXT NOT NULL,
			detail    TEXT NOT NULL,
			decision  TEXT,
			hash_v    INTEGER NOT NULL DEFAULT 1,
			prev_hash TEXT NOT NULL,
			hash      TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit store: %w", err)
	}

	l := &Logger{
		db:             db,
		path:           path,
		logger:         cfg.Logger,
		flushThreshold: cfg.FlushThreshold,
		sizeWarnBytes:  cfg.SizeWarnBytes,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	go l.flushLoop(cfg.FlushInterval)
	return l, nil
}

// Append buffers a new entry. The entry is assigned its id and hashes at
// flush time. Returns ErrClosed after Close.
func (l *Logger) Append(category, action, actor string, detail map[string]any, decision string) error {
	detail, err := normalizeDetail(detail)
	if err != nil {
		return fmt.Errorf("audit detail: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}

	l.pending = append(l.pending, Entry{
		Timestamp: l.nextTimestampLocked(),
		Category:  category,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Decision:  decision,
	})
	shouldFlush := len(l.pending) >= l.flushThreshold
	l.mu.Unlock()

	if shouldFlush {
		return l.Flush()
	}
	return nil
}

// normalizeDetail round-trips the detail map through JSON so the value
// hashed at flush time is identical to what Verify later reparses from the
// store. Without this, an integer beyond 2^53 would hash one way on write
// and another after the float64 round-trip, breaking the chain on an
// untampered entry. Callers needing exact huge integers must pass them as
// strings.
func normalizeDetail(detail map[string]any) (map[string]any, error) {
	if detail == nil {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return normalized, nil
}

// nextTimestampLocked returns an ISO 8601 UTC timestamp that never moves
// backwards within this writer. Caller holds l.mu.
func (l *Logger) nextTimestampLocked() string {
	now := time.Now().UTC()
	if !now.After(l.lastTS) {
		now = l.lastTS.Add(time.Nanosecond)
	}
	l.lastTS = now
	return now.Format(time.RFC3339Nano)
}

// Flush writes every pending entry to the store, continuing the hash chain
// from the last persisted entry. If the batch append fails because another
// writer advanced the chain, the tail is re-read and the append retried
// exactly once.
func (l *Logger) Flush() error {
	l.mu.Lock()
	if l.flushing || len(l.pending) == 0 {
		l.mu.Unlock()
		return nil
	}
	l.flushing = true
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	err := l.writeBatch(batch)
	if err != nil && isConflict(err) {
		// A concurrent writer advanced the chain under us: pick up the new
		// tail and retry exactly once.
		err = l.writeBatch(batch)
	}

	l.mu.Lock()
	l.flushing = false
	if err != nil {
		// Keep the batch so a later flush can try again.
		l.pending = append(batch, l.pending...)
	}
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flush audit batch: %w", err)
	}

	l.warnIfLarge()
	return nil
}

// writeBatch chains and appends one batch atomically.
func (l *Logger) writeBatch(batch []Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastID int64
	prevHash := GenesisHash
	row := tx.QueryRow(`SELECT id, hash FROM audit_log ORDER BY id DESC LIMIT 1`)
	switch err := row.Scan(&lastID, &prevHash); {
	case err == sql.ErrNoRows:
		lastID, prevHash = 0, GenesisHash
	case err != nil:
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO audit_log (id, timestamp, category, action, actor, detail, decision, hash_v, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k := range batch {
		e := &batch[k]
		e.ID = lastID + int64(k) + 1
		e.HashV = 2
		e.PrevHash = prevHash

		detailJSON, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}

		hash, err := hashV2(e)
		if err != nil {
			return err
		}
		e.Hash = hash
		prevHash = hash

		decision := sql.NullString{String: e.Decision, Valid: e.Decision != ""}
		if _, err := stmt.Exec(e.ID, e.Timestamp, e.Category, e.Action, e.Actor, string(detailJSON), decision, e.HashV, e.PrevHash, e.Hash); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// isConflict reports whether a batch append failed because another writer
// took our ids, rather than because the store itself is broken.
func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// warnIfLarge logs once when the store file crosses the size threshold.
func (l *Logger) warnIfLarge() {
	l.mu.Lock()
	warned := l.warned
	l.mu.Unlock()
	if warned {
		return
	}

	info, err := os.Stat(l.path)
	if err != nil || info.Size() < l.sizeWarnBytes {
		return
	}

	l.mu.Lock()
	l.warned = true
	l.mu.Unlock()
	l.logger.Printf("audit store %s is %d bytes (threshold %d); consider rotation", l.path, info.Size(), l.sizeWarnBytes)
}

// Close flushes pending entries, stops the flush loop, and closes the
// store. Further appends fail with ErrClosed.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done

	flushErr := l.Flush()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close audit store: %w", err)
	}
	return flushErr
}

func (l *Logger) flushLoop(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.logger.Printf("periodic flush: %v", err)
			}
		case <-l.stop:
			return
		}
	}
}

// Verify recomputes hashes over the last n entries (all entries when n <= 0)
// in ascending id order and checks every chain link. An empty tail is valid.
func (l *Logger) Verify(n int) (VerifyResult, error) {
	if err := l.Flush(); err != nil {
		return VerifyResult{}, err
	}

	query := `SELECT id, timestamp, category, action, actor, detail, decision, hash_v, prev_hash, hash FROM audit_log ORDER BY id ASC`
	var rows *sql.Rows
	var err error
	if n > 0 {
		query = `SELECT * FROM (
			SELECT id, timestamp, category, action, actor, detail, decision, hash_v, prev_hash, hash
			FROM audit_log ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
		rows, err = l.db.Query(query, n)
	} else {
		rows, err = l.db.Query(query)
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("read audit tail: %w", err)
	}
	defer rows.Close()

	var prevHash string
	first := true
	for rows.Next() {
		var e Entry
		var detailJSON string
		var decision sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Category, &e.Action, &e.Actor, &detailJSON, &decision, &e.HashV, &e.PrevHash, &e.Hash); err != nil {
			return VerifyResult{}, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Decision = decision.String

		if !first && e.PrevHash != prevHash {
			return VerifyResult{Valid: false, BrokenAt: e.ID}, nil
		}

		var computed string
		switch e.HashV {
		case 1:
			computed = hashV1(&e, detailJSON)
		case 2:
			if err := json.Unmarshal([]byte(detailJSON), &e.Detail); err != nil {
				return VerifyResult{Valid: false, BrokenAt: e.ID}, nil
			}
			computed, err = hashV2(&e)
			if err != nil {
				return VerifyResult{}, err
			}
		default:
			return VerifyResult{Valid: false, BrokenAt: e.ID}, nil
		}

		if computed != e.Hash {
			return VerifyResult{Valid: false, BrokenAt: e.ID}, nil
		}

		prevHash = e.Hash
		first = false
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, fmt.Errorf("read audit tail: %w", err)
	}

	return VerifyResult{Valid: true}, nil
}

// hashV1 is the legacy recipe: SHA-256 over the pipe-joined concatenation
// of the entry fields. Retained for verification only; new entries are
// always written with hashV2.
func hashV1(e *Entry, detailJSON string) string {
	joined := strings.Join([]string{
		fmt.Sprintf("%d", e.ID),
		e.Timestamp,
		e.Category,
		e.Action,
		e.Actor,
		detailJSON,
		e.Decision,
		e.PrevHash,
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// hashV2 hashes a canonical JSON object with lexicographically sorted keys.
// Marshaling a map sorts keys at every level, which makes the recipe robust
// to pipe characters inside field values.
func hashV2(e *Entry) (string, error) {
	var decision any
	if e.Decision != "" {
		decision = e.Decision
	}
	canonical := map[string]any{
		"v":         2,
		"id":        e.ID,
		"timestamp": e.Timestamp,
		"category":  e.Category,
		"action":    e.Action,
		"actor":     e.Actor,
		"detail":    e.Detail,
		"decision":  decision,
		"prev_hash": e.PrevHash,
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
