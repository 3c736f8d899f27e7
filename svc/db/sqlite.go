package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"

	"slugbin/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	purgeBatchSize  = 100
	maxPurgeBatches = 10000
)

// dsnParams makes every transaction take the write lock at BEGIN, so the
// read-then-write steps of view registration and purge serialize.
const dsnParams = "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate"

type Config struct {
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
	// MinResponseTime pads slug lookups so hits and misses take similar time.
	// Zero disables padding.
	MinResponseTime time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		QueryTimeout: 5 * time.Second,
	}
}

type SQLite struct {
	db              *sql.DB
	failures        int32
	circuitState    int32
	circuitOpened   int64
	queryTimeout    time.Duration
	minResponseTime time.Duration
	now             func() time.Time
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

// SetClock replaces the clock used to decide activity and expiry. Tests use it
// to sit exactly on an expiry boundary.
func (s *SQLite) SetClock(now func() time.Time) {
	s.now = now
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, DefaultConfig())
}

func NewSQLiteWithConfig(path string, c Config) (*SQLite, error) {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultConfig().QueryTimeout
	}
	maxOpen := c.MaxOpenConns
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// every connection to :memory: is a separate database
		maxOpen = 1
	}
	db, err := sql.Open("sqlite3", buildDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := newSQLite(db, c)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func newSQLite(db *sql.DB, c Config) *SQLite {
	return &SQLite{
		db:              db,
		queryTimeout:    c.QueryTimeout,
		minResponseTime: c.MinResponseTime,
		now:             time.Now,
	}
}

func buildDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + dsnParams
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

// unavailable maps any storage-layer failure to the domain error callers
// handle, keeping the cause for logs.
func unavailable(err error, op string) error {
	return domain.ErrStorageUnavailable.Wrap(errors.Wrap(err, op))
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL,
		language TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		creator_addr TEXT NOT NULL,
		visit_count INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE TABLE IF NOT EXISTS paste_views (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		paste_slug TEXT NOT NULL,
		viewer_addr TEXT NOT NULL,
		viewed_at INTEGER NOT NULL,
		UNIQUE(paste_slug, viewer_addr)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) normalizeResponseTime(start time.Time) {
	if s.minResponseTime <= 0 {
		return
	}
	elapsed := time.Since(start)
	jitter := s.minResponseTime / 4
	var jitterNanos int64
	var b [8]byte
	if jitter > 0 {
		if _, err := rand.Read(b[:]); err != nil {
			jitterNanos = int64(jitter)
		} else {
			jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(jitter))
		}
	}
	target := s.minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

// Create inserts p and returns a copy carrying the assigned ID. A slug that is
// already taken by any row, live or not, yields domain.ErrDuplicateSlug.
func (s *SQLite) Create(ctx context.Context, p *domain.Paste) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, unavailable(err, "create paste")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (slug, content, language, created_at, expires_at, creator_addr, visit_count, is_deleted)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(queryCtx, q,
		p.Slug, p.Content, p.Language, p.CreatedAt.UnixNano(), p.ExpiresAt.UnixNano(), p.CreatorAddr, p.VisitCount, boolToInt(p.Deleted),
	)
	if isUniqueViolation(err) {
		s.recordError(nil)
		return nil, domain.ErrDuplicateSlug
	}
	s.recordError(err)
	if err != nil {
		return nil, unavailable(err, "db create")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable(err, "last insert id")
	}
	out := *p
	out.ID = id
	return &out, nil
}

const selectPaste = `
	SELECT id, slug, content, language, created_at, expires_at, creator_addr, visit_count, is_deleted
	FROM pastes`

// FindBySlug returns the paste with slug regardless of its status, or nil when
// no row exists.
func (s *SQLite) FindBySlug(ctx context.Context, slug string) (*domain.Paste, error) {
	return s.find(ctx, selectPaste+` WHERE slug = ?`, slug)
}

// FindActiveBySlug returns the paste only while it is neither deleted nor
// expired.
func (s *SQLite) FindActiveBySlug(ctx context.Context, slug string) (*domain.Paste, error) {
	return s.find(ctx, selectPaste+` WHERE slug = ? AND is_deleted = 0 AND expires_at > ?`, slug, s.now().UnixNano())
}

func (s *SQLite) find(ctx context.Context, q string, args ...interface{}) (*domain.Paste, error) {
	start := time.Now()
	defer s.normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, unavailable(err, "find paste")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	s.recordError(err)
	if err != nil {
		return nil, unavailable(err, "db find")
	}
	return p, nil
}

func scanPaste(row *sql.Row) (*domain.Paste, error) {
	var (
		p                domain.Paste
		created, expires int64
		deleted          int
	)
	err := row.Scan(&p.ID, &p.Slug, &p.Content, &p.Language, &created, &expires, &p.CreatorAddr, &p.VisitCount, &deleted)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	p.ExpiresAt = time.Unix(0, expires).UTC()
	p.Deleted = deleted != 0
	return &p, nil
}

// RegisterUniqueView records that viewer has seen slug and bumps the visit
// count, both in one transaction and only when the paste is active and the
// (slug, viewer) pair is new. It reports whether a new view was recorded.
func (s *SQLite) RegisterUniqueView(ctx context.Context, slug, viewer string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, unavailable(err, "register view")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return false, unavailable(err, "begin view tx")
	}
	defer tx.Rollback()
	now := s.now().UnixNano()
	res, err := tx.ExecContext(queryCtx, `
		INSERT OR IGNORE INTO paste_views (paste_slug, viewer_addr, viewed_at)
		SELECT ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM pastes WHERE slug = ? AND is_deleted = 0 AND expires_at > ?)
	`, slug, viewer, now, slug, now)
	if err != nil {
		s.recordError(err)
		return false, unavailable(err, "insert view")
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err, "view rows affected")
	}
	if inserted > 0 {
		if _, err := tx.ExecContext(queryCtx, `UPDATE pastes SET visit_count = visit_count + 1 WHERE slug = ?`, slug); err != nil {
			s.recordError(err)
			return false, unavailable(err, "incr visit count")
		}
	}
	err = tx.Commit()
	s.recordError(err)
	if err != nil {
		return false, unavailable(err, "commit view tx")
	}
	return inserted > 0, nil
}

// SoftDelete marks the paste deleted. Deleting an absent or already deleted
// paste is not an error.
func (s *SQLite) SoftDelete(ctx context.Context, slug string) error {
	if err := s.checkCircuit(); err != nil {
		return unavailable(err, "soft delete")
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `UPDATE pastes SET is_deleted = 1 WHERE slug = ? AND is_deleted = 0`, slug)
	s.recordError(err)
	if err != nil {
		return unavailable(err, "soft delete")
	}
	return nil
}

// PurgeExpired physically removes every paste whose expiry is at or before now
// along with its view records. Work is done in batches; each batch removes the
// views and the pastes in a single transaction so no orphan views survive a
// crash between the two. It returns the number of pastes removed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, unavailable(err, "purge")
	}
	cutoff := s.now().UnixNano()
	total := 0
	for i := 0; i < maxPurgeBatches; i++ {
		select {
		case <-ctx.Done():
			return total, unavailable(ctx.Err(), "purge")
		default:
		}
		n, err := s.purgeBatch(ctx, cutoff)
		s.recordError(err)
		if err != nil {
			return total, unavailable(err, "purge batch")
		}
		total += n
		if n < purgeBatchSize {
			return total, nil
		}
	}
	return total, unavailable(errors.New("purge hit iteration limit, more records may exist"), "purge")
}

func (s *SQLite) purgeBatch(ctx context.Context, cutoff int64) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	const batch = `SELECT id FROM pastes WHERE expires_at <= ? ORDER BY id LIMIT ?`
	if _, err := tx.ExecContext(queryCtx, `
		DELETE FROM paste_views
		WHERE paste_slug IN (SELECT slug FROM pastes WHERE id IN (`+batch+`))
	`, cutoff, purgeBatchSize); err != nil {
		return 0, errors.Wrap(err, "delete views")
	}
	res, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id IN (`+batch+`)`, cutoff, purgeBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "delete pastes")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit purge")
	}
	return int(n), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
