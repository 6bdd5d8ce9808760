package cvr

import "context"

// schemaSQL creates the four CVR tables (cvr_instances, cvr_clients,
// cvr_queries, cvr_rows) described in the external interface contract. Applying it is idempotent so it can run on every
// startup instead of depending on a separate migration tool, which is
// out of scope for the core.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS cvr_instances (
	group_id      text PRIMARY KEY,
	state_version text NOT NULL,
	minor_version integer NOT NULL,
	last_active   timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS cvr_clients (
	group_id            text NOT NULL,
	client_id           text NOT NULL,
	patch_state_version text NOT NULL,
	patch_minor_version integer NOT NULL,
	desired_query_ids   jsonb NOT NULL DEFAULT '[]'::jsonb,
	PRIMARY KEY (group_id, client_id)
);

CREATE TABLE IF NOT EXISTS cvr_queries (
	group_id                text NOT NULL,
	query_hash              text NOT NULL,
	ast                     jsonb NOT NULL,
	internal                boolean NOT NULL DEFAULT false,
	desired_by              jsonb NOT NULL DEFAULT '{}'::jsonb,
	transformation_hash     text,
	transformation_version  text,
	patch_state_version     text,
	patch_minor_version     integer,
	PRIMARY KEY (group_id, query_hash)
);

CREATE TABLE IF NOT EXISTS cvr_rows (
	group_id            text NOT NULL,
	schema_name         text NOT NULL,
	table_name          text NOT NULL,
	row_key             jsonb NOT NULL,
	row_key_text        text NOT NULL,
	row_version         text,
	patch_state_version text NOT NULL,
	patch_minor_version integer NOT NULL,
	ref_counts          jsonb,
	PRIMARY KEY (group_id, schema_name, table_name, row_key_text)
);

CREATE INDEX IF NOT EXISTS cvr_rows_patch_version_idx
	ON cvr_rows (group_id, patch_state_version, patch_minor_version, schema_name, table_name, row_key_text);
`

// EnsureSchema applies the CVR table DDL. Safe to call concurrently from
// multiple instances since every statement is IF NOT EXISTS.
func EnsureSchema(ctx context.Context, pool pgxQuerier) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
