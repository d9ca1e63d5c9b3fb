package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	"github.com/mezonai/blockclique/logx"
	"github.com/pkg/errors"
)

const (
	postgresConnectRetries = 5
	postgresRetryDelay     = 3 * time.Second
	postgresOpTimeout      = 10 * time.Second
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresProvider implements IterableProvider on one key-value table
type PostgresProvider struct {
	db    *sql.DB
	table string
}

// NewPostgresProvider connects with retries and creates the table when missing
func NewPostgresProvider(databaseURL, table string) (*PostgresProvider, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}
	db, err := connectPostgres(databaseURL)
	if err != nil {
		return nil, err
	}
	p := &PostgresProvider{db: db, table: table}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, p.stmt(`CREATE TABLE IF NOT EXISTS %s (key BYTEA PRIMARY KEY, value BYTEA NOT NULL)`)); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "create table %s", table)
	}
	return p, nil
}

func connectPostgres(databaseURL string) (*sql.DB, error) {
	var lastErr error
	for attempt := 0; attempt < postgresConnectRetries; attempt++ {
		if attempt > 0 {
			logx.Warn("POSTGRES", fmt.Sprintf("Retrying connection (attempt %d/%d) after error: %v", attempt+1, postgresConnectRetries, lastErr))
			time.Sleep(postgresRetryDelay)
		}
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			lastErr = err
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			db.Close()
			lastErr = err
			continue
		}
		logx.Info("POSTGRES", "Connection established")
		return db, nil
	}
	return nil, errors.Wrapf(lastErr, "connect postgres after %d attempts", postgresConnectRetries)
}

// stmt fills the table name into a statement
func (p *PostgresProvider) stmt(format string) string {
	return fmt.Sprintf(format, p.table)
}

func (p *PostgresProvider) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	var value []byte
	err := p.db.QueryRowContext(ctx, p.stmt(`SELECT value FROM %s WHERE key = $1`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return value, errors.Wrapf(err, "postgres get %q", key)
}

func (p *PostgresProvider) Put(key, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, p.upsertSQL(), key, value)
	return errors.Wrapf(err, "postgres put %q", key)
}

func (p *PostgresProvider) upsertSQL() string {
	return p.stmt(`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`)
}

func (p *PostgresProvider) Delete(key []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, p.stmt(`DELETE FROM %s WHERE key = $1`), key)
	return errors.Wrapf(err, "postgres delete %q", key)
}

func (p *PostgresProvider) Has(key []byte) (bool, error) {
	v, err := p.Get(key)
	return v != nil, err
}

func (p *PostgresProvider) Close() error {
	return p.db.Close()
}

func (p *PostgresProvider) Batch() DatabaseBatch {
	return &PostgresBatch{p: p}
}

// IteratePrefix streams the keys in byte order; bytea compares bytewise
func (p *PostgresProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		p.stmt(`SELECT key, value FROM %s WHERE substring(key from 1 for $2) = $1 ORDER BY key`),
		prefix, len(prefix))
	if err != nil {
		return errors.Wrap(err, "postgres iterate")
	}
	defer rows.Close()
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return errors.Wrap(err, "postgres scan")
		}
		if !callback(key, value) {
			break
		}
	}
	return errors.Wrap(rows.Err(), "postgres iterate")
}

// PostgresBatch applies its operations in one transaction
type PostgresBatch struct {
	p   *PostgresProvider
	ops []boltOp
}

func (b *PostgresBatch) Put(key, value []byte) {
	b.ops = append(b.ops, boltOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *PostgresBatch) Delete(key []byte) {
	b.ops = append(b.ops, boltOp{key: append([]byte(nil), key...), delete: true})
}

func (b *PostgresBatch) Write() error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	tx, err := b.p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "postgres begin")
	}
	upsert, del := b.p.upsertSQL(), b.p.stmt(`DELETE FROM %s WHERE key = $1`)
	for _, op := range b.ops {
		if op.delete {
			_, err = tx.ExecContext(ctx, del, op.key)
		} else {
			_, err = tx.ExecContext(ctx, upsert, op.key, op.value)
		}
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "postgres batch write")
		}
	}
	return errors.Wrap(tx.Commit(), "postgres batch commit")
}

func (b *PostgresBatch) Reset() {
	b.ops = b.ops[:0]
}
