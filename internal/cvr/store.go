package cvr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/verr"
	"github.com/example/sync-vector-engine/internal/version"
)

// pgxQuerier is the Exec-only subset of *pgxpool.Pool / pgx.Tx that
// EnsureSchema needs; the flush helpers take a pgx.Tx directly.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the durable, transactional mapping from a client group to
// its CVR: a pgx pool, functional-option retry/backoff configuration,
// and transient-error classification for automatic retries.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) { s.retryDelay = d }
}

// NewStore constructs a Store over the provided Postgres pool.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load loads a group's full CVR from durable storage into an immutable
// snapshot. A group with no stored instance row yields Empty(groupID).
func (s *Store) Load(ctx context.Context, groupID GroupID) (CVR, error) {
	ctx, span := cvrTracer.Start(ctx, "cvr.Load", trace.WithAttributes(attribute.String("group_id", string(groupID))))
	defer span.End()
	start := time.Now()
	defer func() { cvrLoadLatency.Observe(time.Since(start).Seconds()) }()

	var out CVR
	err := s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		cvr, err := loadTx(ctx, tx, groupID)
		if err != nil {
			return err
		}
		out = cvr
		return tx.Commit(ctx)
	})
	if err != nil {
		return CVR{}, verr.Wrap(verr.Unavailable, "load cvr", err)
	}
	return out, nil
}

func loadTx(ctx context.Context, tx pgx.Tx, groupID GroupID) (CVR, error) {
	cvr := Empty(groupID)

	var stateVersion string
	var minorVersion uint32
	var lastActive time.Time
	row := tx.QueryRow(ctx, `SELECT state_version, minor_version, last_active FROM cvr_instances WHERE group_id = $1`, groupID)
	switch err := row.Scan(&stateVersion, &minorVersion, &lastActive); {
	case errors.Is(err, pgx.ErrNoRows):
		return cvr, nil
	case err != nil:
		return CVR{}, err
	default:
		cvr.Version = version.Version{StateVersion: stateVersion, MinorVersion: minorVersion}
		cvr.LastActive = lastActive
	}

	clientRows, err := tx.Query(ctx, `SELECT client_id, patch_state_version, patch_minor_version, desired_query_ids FROM cvr_clients WHERE group_id = $1`, groupID)
	if err != nil {
		return CVR{}, err
	}
	for clientRows.Next() {
		var id, ps string
		var pm uint32
		var desiredRaw []byte
		if err := clientRows.Scan(&id, &ps, &pm, &desiredRaw); err != nil {
			clientRows.Close()
			return CVR{}, err
		}
		var desired []QueryHash
		if len(desiredRaw) > 0 {
			if err := json.Unmarshal(desiredRaw, &desired); err != nil {
				clientRows.Close()
				return CVR{}, fmt.Errorf("decode desired_query_ids: %w", err)
			}
		}
		cvr.Clients[ClientID(id)] = Client{
			ID:              ClientID(id),
			PatchVersion:    version.Version{StateVersion: ps, MinorVersion: pm},
			DesiredQueryIDs: desired,
		}
	}
	if err := clientRows.Err(); err != nil {
		return CVR{}, err
	}

	queryRows, err := tx.Query(ctx, `
		SELECT query_hash, ast, internal, desired_by, transformation_hash, transformation_version, patch_state_version, patch_minor_version
		FROM cvr_queries WHERE group_id = $1`, groupID)
	if err != nil {
		return CVR{}, err
	}
	for queryRows.Next() {
		var hash string
		var astRaw, desiredByRaw []byte
		var internal bool
		var transformationHash, transformationVersion *string
		var patchState *string
		var patchMinor *uint32
		if err := queryRows.Scan(&hash, &astRaw, &internal, &desiredByRaw, &transformationHash, &transformationVersion, &patchState, &patchMinor); err != nil {
			queryRows.Close()
			return CVR{}, err
		}
		var q ast.Query
		if err := json.Unmarshal(astRaw, &q); err != nil {
			queryRows.Close()
			return CVR{}, fmt.Errorf("decode query ast: %w", err)
		}
		desiredBy, err := unmarshalDesiredBy(desiredByRaw)
		if err != nil {
			queryRows.Close()
			return CVR{}, fmt.Errorf("decode desired_by: %w", err)
		}
		entry := Query{ID: QueryHash(hash), AST: q, Internal: internal, DesiredBy: desiredBy}
		if transformationHash != nil {
			entry.TransformationHash = *transformationHash
		}
		if transformationVersion != nil {
			entry.TransformationVer = *transformationVersion
		}
		if patchState != nil && patchMinor != nil {
			entry.PatchVersion = version.Version{StateVersion: *patchState, MinorVersion: *patchMinor}
		}
		cvr.Queries[QueryHash(hash)] = entry
	}
	if err := queryRows.Err(); err != nil {
		return CVR{}, err
	}

	rowRows, err := tx.Query(ctx, `
		SELECT schema_name, table_name, row_key_text, row_version, patch_state_version, patch_minor_version, ref_counts
		FROM cvr_rows WHERE group_id = $1`, groupID)
	if err != nil {
		return CVR{}, err
	}
	defer rowRows.Close()
	for rowRows.Next() {
		var schemaName, tableName, rowKeyText string
		var rowVersion *string
		var patchState string
		var patchMinor uint32
		var refCountsRaw []byte
		if err := rowRows.Scan(&schemaName, &tableName, &rowKeyText, &rowVersion, &patchState, &patchMinor, &refCountsRaw); err != nil {
			return CVR{}, err
		}
		id := RowID{Schema: schemaName, Table: tableName, RowKey: rowKeyText}
		r := Row{ID: id, PatchVersion: version.Version{StateVersion: patchState, MinorVersion: patchMinor}}
		if rowVersion != nil {
			r.RowVersion = *rowVersion
		}
		if len(refCountsRaw) > 0 {
			var rc map[QueryHash]int
			if err := json.Unmarshal(refCountsRaw, &rc); err != nil {
				return CVR{}, fmt.Errorf("decode ref_counts: %w", err)
			}
			r.RefCounts = rc
		}
		cvr.Rows[id] = r
	}
	if err := rowRows.Err(); err != nil {
		return CVR{}, err
	}

	return cvr, nil
}

// Flush persists patches atomically and advances the group's stored
// version from expected to newVersion. Either the new version and
// every patch become durably visible together, or none of them do:
// the whole operation runs in one serializable transaction guarded by
// a compare-and-swap on cvr_instances.state_version/minor_version, so
// a concurrent flush by another instance aborts this one with a
// serialization failure rather than silently interleaving writes.
// Flush returns verr.StaleConnection if expected no longer matches the
// stored version (someone else already flushed past it).
func (s *Store) Flush(ctx context.Context, groupID GroupID, expected, newVersion version.Version, patches Patches) error {
	ctx, span := cvrTracer.Start(ctx, "cvr.Flush", trace.WithAttributes(
		attribute.String("group_id", string(groupID)),
		attribute.String("from_version", expected.String()),
		attribute.String("to_version", newVersion.String()),
	))
	defer span.End()
	start := time.Now()
	outcome := "ok"
	defer func() { cvrFlushLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds()) }()

	err := s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := casCheck(ctx, tx, groupID, expected); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO cvr_instances (group_id, state_version, minor_version, last_active)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (group_id) DO UPDATE
			SET state_version = $2, minor_version = $3, last_active = now()
			WHERE cvr_instances.state_version = $4 AND cvr_instances.minor_version = $5`,
			groupID, newVersion.StateVersion, newVersion.MinorVersion, expected.StateVersion, expected.MinorVersion)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 && !expected.Equal(version.Zero) {
			return verr.New(verr.StaleConnection, "cvr version advanced concurrently")
		}

		for _, p := range patches.Clients {
			if err := applyClientPatch(ctx, tx, groupID, newVersion, p); err != nil {
				return err
			}
		}
		for _, p := range patches.Queries {
			if err := applyQueryPatch(ctx, tx, groupID, newVersion, p); err != nil {
				return err
			}
		}
		for _, p := range patches.Rows {
			if err := applyRowPatch(ctx, tx, groupID, newVersion, p); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		if verr.Is(err, verr.StaleConnection) {
			outcome = "conflict"
			cvrFlushConflicts.Inc()
		} else {
			outcome = "error"
		}
	}
	return err
}

// casCheck confirms the stored version still equals expected before any
// writes happen, so a mismatch is reported as StaleConnection rather
// than surfacing as an opaque constraint failure from the upsert below.
func casCheck(ctx context.Context, tx pgx.Tx, groupID GroupID, expected version.Version) error {
	var stateVersion string
	var minorVersion uint32
	row := tx.QueryRow(ctx, `SELECT state_version, minor_version FROM cvr_instances WHERE group_id = $1`, groupID)
	switch err := row.Scan(&stateVersion, &minorVersion); {
	case errors.Is(err, pgx.ErrNoRows):
		if !expected.Equal(version.Zero) {
			return verr.New(verr.StaleConnection, "cvr instance missing, expected non-zero version")
		}
		return nil
	case err != nil:
		return err
	}
	stored := version.Version{StateVersion: stateVersion, MinorVersion: minorVersion}
	if !stored.Equal(expected) {
		return verr.New(verr.StaleConnection, "cvr version mismatch on flush")
	}
	return nil
}

func applyClientPatch(ctx context.Context, tx pgx.Tx, groupID GroupID, v version.Version, p ClientPatch) error {
	switch p.Op {
	case PatchPut:
		desired := p.DesiredQueryIDs
		if desired == nil {
			desired = []QueryHash{}
		}
		desiredRaw, err := json.Marshal(desired)
		if err != nil {
			return fmt.Errorf("encode desired_query_ids: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cvr_clients (group_id, client_id, patch_state_version, patch_minor_version, desired_query_ids)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (group_id, client_id) DO UPDATE
			SET patch_state_version = $3, patch_minor_version = $4, desired_query_ids = $5`,
			groupID, p.ClientID, v.StateVersion, v.MinorVersion, desiredRaw)
		return err
	case PatchDel:
		_, err := tx.Exec(ctx, `DELETE FROM cvr_clients WHERE group_id = $1 AND client_id = $2`, groupID, p.ClientID)
		return err
	default:
		return fmt.Errorf("cvr: unknown client patch op %q", p.Op)
	}
}

// desiredByEntry is the wire shape of one desired_by map value, shared
// by every reader/writer of the cvr_queries.desired_by column.
type desiredByEntry struct {
	StateVersion string `json:"state_version"`
	MinorVersion uint32 `json:"minor_version"`
}

// marshalDesiredBy encodes a query's desiredBy map for cvr_queries.desired_by.
func marshalDesiredBy(desiredBy map[ClientID]version.Version) ([]byte, error) {
	raw := make(map[string]desiredByEntry, len(desiredBy))
	for clientID, v := range desiredBy {
		raw[string(clientID)] = desiredByEntry{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion}
	}
	return json.Marshal(raw)
}

// unmarshalDesiredBy decodes cvr_queries.desired_by, used by both Load
// and the catch-up scan so they agree on the on-disk shape.
func unmarshalDesiredBy(raw []byte) (map[ClientID]version.Version, error) {
	desiredBy := map[ClientID]version.Version{}
	if len(raw) == 0 {
		return desiredBy, nil
	}
	var decoded map[string]desiredByEntry
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	for clientID, v := range decoded {
		desiredBy[ClientID(clientID)] = version.Version{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion}
	}
	return desiredBy, nil
}

func applyQueryPatch(ctx context.Context, tx pgx.Tx, groupID GroupID, v version.Version, p QueryPatch) error {
	switch p.Op {
	case PatchPut:
		astRaw, err := json.Marshal(p.AST)
		if err != nil {
			return fmt.Errorf("encode query ast: %w", err)
		}
		desiredByRaw, err := marshalDesiredBy(p.DesiredBy)
		if err != nil {
			return fmt.Errorf("encode desired_by: %w", err)
		}
		var transformationHash, transformationVer *string
		if p.TransformationHash != "" {
			transformationHash = &p.TransformationHash
		}
		if p.TransformationVer != "" {
			transformationVer = &p.TransformationVer
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cvr_queries (group_id, query_hash, ast, internal, desired_by, transformation_hash, transformation_version, patch_state_version, patch_minor_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (group_id, query_hash) DO UPDATE
			SET ast = $3, internal = $4, desired_by = $5, transformation_hash = $6, transformation_version = $7, patch_state_version = $8, patch_minor_version = $9`,
			groupID, p.Hash, astRaw, p.Internal, desiredByRaw, transformationHash, transformationVer, v.StateVersion, v.MinorVersion)
		return err
	case PatchDel:
		_, err := tx.Exec(ctx, `DELETE FROM cvr_queries WHERE group_id = $1 AND query_hash = $2`, groupID, p.Hash)
		return err
	default:
		return fmt.Errorf("cvr: unknown query patch op %q", p.Op)
	}
}

func applyRowPatch(ctx context.Context, tx pgx.Tx, groupID GroupID, v version.Version, p RowPatch) error {
	switch p.Op {
	case PatchPut:
		refCounts, err := json.Marshal(p.RefCounts)
		if err != nil {
			return fmt.Errorf("encode ref counts: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cvr_rows (group_id, schema_name, table_name, row_key, row_key_text, row_version, patch_state_version, patch_minor_version, ref_counts)
			VALUES ($1, $2, $3, $4::jsonb, $4, $5, $6, $7, $8)
			ON CONFLICT (group_id, schema_name, table_name, row_key_text) DO UPDATE
			SET row_version = $5, patch_state_version = $6, patch_minor_version = $7, ref_counts = $8`,
			groupID, p.ID.Schema, p.ID.Table, p.ID.RowKey, p.RowVersion, v.StateVersion, v.MinorVersion, refCounts)
		return err
	case PatchDel:
		_, err := tx.Exec(ctx, `
			UPDATE cvr_rows SET ref_counts = NULL, patch_state_version = $4, patch_minor_version = $5
			WHERE group_id = $1 AND schema_name = $2 AND table_name = $3 AND row_key_text = $6`,
			groupID, p.ID.Schema, p.ID.Table, v.StateVersion, v.MinorVersion, p.ID.RowKey)
		return err
	default:
		return fmt.Errorf("cvr: unknown row patch op %q", p.Op)
	}
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) || attempt == s.maxRetries {
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
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
