// Package walsource reads replicated row data for the pipeline driver:
// a full-table scan for initial query hydration, and a polling change
// stream for incremental advance over a replica's row-level change log.
package walsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/pipeline"
	"github.com/example/sync-vector-engine/internal/verr"
	"github.com/example/sync-vector-engine/internal/version"
)

// identifierPattern restricts table/schema names used in dynamic SQL to
// the same charset Postgres allows for unquoted identifiers, so a
// config-driven query's Table/Schema fields can never smuggle SQL.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Reader implements pipeline.Source against a replicated Postgres
// database: Scan issues a full-table select (filtering happens
// in-process via ast.Query.Matches, not a generated WHERE clause, so no
// predicate value ever becomes part of a SQL string), and Changes polls
// a row-level change log table that an upstream CDC process populates.
type Reader struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
	pollEvery  time.Duration
	logger     zerolog.Logger
}

// Option configures the Reader.
type Option func(*Reader)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option { return func(r *Reader) { r.maxRetries = n } }

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option { return func(r *Reader) { r.retryDelay = d } }

// WithPollInterval sets how often Changes polls the change log table.
func WithPollInterval(d time.Duration) Option { return func(r *Reader) { r.pollEvery = d } }

// NewReader constructs a Reader over the given replica pool.
func NewReader(pool *pgxpool.Pool, logger zerolog.Logger, opts ...Option) *Reader {
	r := &Reader{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		pollEvery:  500 * time.Millisecond,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Scan implements pipeline.Source.
func (r *Reader) Scan(ctx context.Context, q ast.Query) ([]map[string]any, version.Version, error) {
	if !identifierPattern.MatchString(q.Table) || !identifierPattern.MatchString(q.SchemaOrDefault()) {
		return nil, version.Version{}, verr.New(verr.BadQuery, fmt.Sprintf("invalid table identifier %q.%q", q.SchemaOrDefault(), q.Table))
	}
	start := time.Now()
	defer func() { scanLatency.WithLabelValues(q.Table).Observe(time.Since(start).Seconds()) }()

	var matched []map[string]any
	var scanVersion version.Version
	err := r.retry(ctx, func(ctx context.Context) error {
		matched = nil
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		scanVersion, err = currentVersion(ctx, tx)
		if err != nil {
			return err
		}

		sql := fmt.Sprintf(`SELECT * FROM %s.%s`, quoteIdent(q.SchemaOrDefault()), quoteIdent(q.Table))
		rows, err := tx.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return err
			}
			row := make(map[string]any, len(fields))
			for i, f := range fields {
				row[string(f.Name)] = values[i]
			}
			if q.Matches(row) {
				matched = append(matched, row)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, version.Version{}, verr.Wrap(verr.Unavailable, "scan replica table", err)
	}
	return matched, scanVersion, nil
}

// Changes implements pipeline.Source by polling the replica's change
// log table for rows stamped with a version after afterVersion.
func (r *Reader) Changes(ctx context.Context, afterVersion version.Version) (<-chan pipeline.ReplicaChange, <-chan error) {
	out := make(chan pipeline.ReplicaChange)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		cursor := afterVersion
		lastChange := time.Now()
		ticker := time.NewTicker(r.pollEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := r.pollOnce(ctx, cursor, out)
				if err != nil {
					errs <- err
					return
				}
				if next != cursor {
					lastChange = time.Now()
				}
				cursor = next
				pollLag.Set(time.Since(lastChange).Seconds())
			}
		}
	}()

	return out, errs
}

func (r *Reader) pollOnce(ctx context.Context, after version.Version, out chan<- pipeline.ReplicaChange) (version.Version, error) {
	cursor := after
	err := r.retry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT schema_name, table_name, row_key, deleted, contents, state_version, minor_version
			FROM replica_changes
			WHERE (state_version, minor_version) > ($1, $2)
			ORDER BY state_version, minor_version`,
			after.StateVersion, after.MinorVersion)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var schemaName, tableName, rowKey string
			var deleted bool
			var contentsRaw []byte
			var stateVersion string
			var minorVersion uint32
			if err := rows.Scan(&schemaName, &tableName, &rowKey, &deleted, &contentsRaw, &stateVersion, &minorVersion); err != nil {
				return err
			}
			change := pipeline.ReplicaChange{
				Row:     cvr.RowID{Schema: schemaName, Table: tableName, RowKey: rowKey},
				Deleted: deleted,
				Version: version.Version{StateVersion: stateVersion, MinorVersion: minorVersion},
			}
			if !deleted && len(contentsRaw) > 0 {
				if err := json.Unmarshal(contentsRaw, &change.Contents); err != nil {
					return fmt.Errorf("decode replica change contents: %w", err)
				}
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return ctx.Err()
			}
			cursor = change.Version
		}
		return rows.Err()
	})
	return cursor, err
}

func currentVersion(ctx context.Context, tx pgx.Tx) (version.Version, error) {
	var stateVersion string
	var minorVersion uint32
	row := tx.QueryRow(ctx, `SELECT state_version, minor_version FROM replica_watermark`)
	if err := row.Scan(&stateVersion, &minorVersion); err != nil {
		return version.Version{}, err
	}
	return version.Version{StateVersion: stateVersion, MinorVersion: minorVersion}, nil
}

func quoteIdent(name string) string { return `"` + name + `"` }

func (r *Reader) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := r.retryDelay
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) || attempt == r.maxRetries {
			return err
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
