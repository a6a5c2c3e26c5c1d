package limiter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Supported SQL dialects.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

var sqlSchema = map[string][]string{
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS throttle_records (
    record_key VARCHAR(255) PRIMARY KEY,
    payload BYTEA,
    expires_at BIGINT NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_throttle_records_expires_at ON throttle_records(expires_at)`,
	},
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS throttle_records (
    record_key VARCHAR(255) NOT NULL PRIMARY KEY,
    payload BLOB,
    expires_at BIGINT NOT NULL DEFAULT 0,
    updated_at BIGINT NOT NULL,
    INDEX idx_throttle_records_expires_at (expires_at)
)`,
	},
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS throttle_records (
    record_key TEXT PRIMARY KEY,
    payload BLOB,
    expires_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_throttle_records_expires_at ON throttle_records(expires_at)`,
	},
}

// SQLStore keeps records in a relational database. It supports Postgres,
// MySQL and SQLite. Update runs in a transaction that locks the row with
// SELECT ... FOR UPDATE; SQLite serialises writers on its own.
//
// expires_at holds unix milliseconds, 0 meaning no expiry. A row with a
// NULL payload is a placeholder and reads as absent.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
	stop    context.CancelFunc
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithSQLClock replaces time.Now for expiry decisions.
func WithSQLClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLStore creates a store over db and ensures the schema exists.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string, opts ...SQLStoreOption) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	stmts, ok := sqlSchema[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return s, nil
}

// Dialect returns the configured SQL dialect.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		payload []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT payload, expires_at FROM throttle_records WHERE record_key = ?`), key,
	).Scan(&payload, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	if !s.live(expires) {
		return nil, nil
	}
	return payload, nil
}

// Set implements Store.
func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.upsertQuery(), key, value, expiryMillis(now, ttl), now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to set record: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := `DELETE FROM throttle_records WHERE record_key IN (?` + strings.Repeat(`, ?`, len(keys)-1) + `)`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

// IncrementAndFetch implements Store.
func (s *SQLStore) IncrementAndFetch(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.inTx(ctx, key, func(current []byte, expires int64) ([]byte, int64, error) {
		if current == nil {
			count = 1
			return []byte("1"), expiryMillis(s.now(), window), nil
		}
		n, err := strconv.ParseInt(string(current), 10, 64)
		if err != nil {
			return nil, 0, &CorruptRecordError{Key: key, Err: err}
		}
		count = n + 1
		return strconv.AppendInt(nil, count, 10), expires, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return s.inTx(ctx, key, func(current []byte, _ int64) ([]byte, int64, error) {
		next, ttl, err := fn(current)
		if err != nil {
			return nil, 0, err
		}
		return next, expiryMillis(s.now(), ttl), nil
	})
}

// inTx runs fn on the locked row for key. A nil result deletes the row.
func (s *SQLStore) inTx(ctx context.Context, key string, fn func(current []byte, expires int64) ([]byte, int64, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()

	// the placeholder gives SELECT ... FOR UPDATE a row to lock
	if _, err := tx.ExecContext(ctx, s.insertIgnoreQuery(), key, now); err != nil {
		return fmt.Errorf("failed to reserve record: %w", err)
	}

	query := `SELECT payload, expires_at FROM throttle_records WHERE record_key = ?`
	if s.dialect != DialectSQLite {
		query += ` FOR UPDATE`
	}
	var (
		payload []byte
		expires int64
	)
	err = tx.QueryRowContext(ctx, s.rebind(query), key).Scan(&payload, &expires)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to lock record: %w", err)
	}
	if !s.live(expires) {
		payload = nil
	}

	next, nextExpires, err := fn(payload, expires)
	if err != nil {
		return err
	}

	if next == nil {
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM throttle_records WHERE record_key = ?`), key)
	} else {
		_, err = tx.ExecContext(ctx, s.upsertQuery(), key, next, nextExpires, now)
	}
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the janitor. The database handle may be shared and is left
// open.
func (s *SQLStore) Close() error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}

// DeleteExpired removes rows whose expiry has passed and returns how many
// were deleted.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM throttle_records WHERE expires_at > 0 AND expires_at <= ?`), s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	return res.RowsAffected()
}

// StartJanitor runs DeleteExpired every interval until ctx is done or the
// store is closed.
func (s *SQLStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	ctx, s.stop = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.DeleteExpired(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("sql store cleanup failed")
					continue
				}
				if n > 0 {
					log.Debug().Int64("removed", n).Msg("sql store cleanup")
				}
			}
		}
	}()
}

func (s *SQLStore) live(expires int64) bool {
	return expires == 0 || s.now().UnixMilli() < expires
}

func (s *SQLStore) insertIgnoreQuery() string {
	if s.dialect == DialectMySQL {
		return `INSERT IGNORE INTO throttle_records (record_key, payload, expires_at, updated_at) VALUES (?, NULL, 0, ?)`
	}
	return s.rebind(`INSERT INTO throttle_records (record_key, payload, expires_at, updated_at) VALUES (?, NULL, 0, ?)
ON CONFLICT (record_key) DO NOTHING`)
}

func (s *SQLStore) upsertQuery() string {
	if s.dialect == DialectMySQL {
		return `INSERT INTO throttle_records (record_key, payload, expires_at, updated_at) VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE payload = VALUES(payload), expires_at = VALUES(expires_at), updated_at = VALUES(updated_at)`
	}
	return s.rebind(`INSERT INTO throttle_records (record_key, payload, expires_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (record_key) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at, updated_at = excluded.updated_at`)
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func expiryMillis(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return now.Add(ttl).UnixMilli()
}
