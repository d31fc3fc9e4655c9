package catalog

// DDL is the catalog's physical schema, executed once by PGCatalog.Bootstrap.
// Modeled after LakeSoul's real Postgres-backed metadata service: one row
// per table, one append-only row per PartitionVersion, one row per
// DataCommitInfo, and a discard log. The relational schema itself is out
// of this spec's scope (§1); this is a concrete stand-in that satisfies
// the abstract operation set of §4.1.
const DDL = `
CREATE TABLE IF NOT EXISTS table_info (
	table_id      uuid PRIMARY KEY,
	namespace     text NOT NULL,
	short_name    text,
	path          text NOT NULL UNIQUE,
	schema        jsonb NOT NULL,
	range_cols    text[] NOT NULL DEFAULT '{}',
	hash_cols     text[] NOT NULL DEFAULT '{}',
	hash_buckets  int NOT NULL DEFAULT 1,
	properties    jsonb NOT NULL DEFAULT '{}',
	cdc_column    text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS partition_info (
	table_id       uuid NOT NULL REFERENCES table_info(table_id),
	partition_desc text NOT NULL,
	version        int NOT NULL,
	read_files     uuid[] NOT NULL DEFAULT '{}',
	commit_op      text NOT NULL,
	expression     text NOT NULL DEFAULT '',
	ts             bigint NOT NULL,
	PRIMARY KEY (table_id, partition_desc, version)
);

CREATE TABLE IF NOT EXISTS data_commit_info (
	commit_id      uuid PRIMARY KEY,
	table_id       uuid NOT NULL REFERENCES table_info(table_id),
	partition_desc text NOT NULL,
	commit_op      text NOT NULL,
	file_ops       jsonb NOT NULL,
	ts             bigint NOT NULL,
	committed      boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS discard_file (
	id             bigserial PRIMARY KEY,
	table_id       uuid NOT NULL,
	partition_desc text NOT NULL,
	path           text NOT NULL,
	size           bigint NOT NULL,
	ts             bigint NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_partition_info_latest
	ON partition_info (table_id, partition_desc, version DESC);
`
