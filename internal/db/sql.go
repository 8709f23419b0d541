package db

import (
	"fmt"
	"strings"

	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/jackc/pgx/v5"
)

const (
	iovPrefix  = "cdb_iov_"
	dataPrefix = "cdb_data_"
)

const (
	createTagsSQL = `CREATE TABLE cdb_tags (
	id VARCHAR(36) NOT NULL,
	pid VARCHAR(36) NOT NULL,
	name VARCHAR(128) NOT NULL,
	ct BIGINT NOT NULL,
	dt BIGINT NOT NULL DEFAULT 0,
	mode BIGINT NOT NULL DEFAULT 0,
	tbname VARCHAR(512) NOT NULL,
	CONSTRAINT cdb_tags_pk PRIMARY KEY (pid, name, dt),
	CONSTRAINT cdb_tags_id UNIQUE (id)
)`

	createSchemasSQL = `CREATE TABLE cdb_schemas (
	id VARCHAR(36) NOT NULL,
	pid VARCHAR(36) NOT NULL,
	ct BIGINT NOT NULL,
	dt BIGINT DEFAULT 0,
	data TEXT NOT NULL,
	CONSTRAINT cdb_schemas_pk PRIMARY KEY (pid, dt),
	CONSTRAINT cdb_schemas_id UNIQUE (id)
)`

	selectMetadataSQL = `SELECT t.id, t.name, t.pid, t.tbname, t.ct, t.dt, t.mode, COALESCE(s.id, ''), COALESCE(s.data, '')
FROM cdb_tags t LEFT JOIN cdb_schemas s ON t.id = s.pid`

	insertTagSQL       = `INSERT INTO cdb_tags (id, name, pid, tbname, ct, dt, mode) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	deactivateTagSQL   = `UPDATE cdb_tags SET dt = $1 WHERE id = $2`
	selectSchemaSQL    = `SELECT data FROM cdb_schemas WHERE pid = $1`
	selectSchemaIDSQL  = `SELECT id FROM cdb_schemas WHERE pid = $1`
	insertSchemaSQL    = `INSERT INTO cdb_schemas (id, pid, data, ct, dt) VALUES ($1, $2, $3, $4, $5)`
	deleteSchemaSQL    = `DELETE FROM cdb_schemas WHERE pid = $1`
	listTablesSQL      = `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = current_schema() AND tablename LIKE 'cdb\_%' ORDER BY tablename`
	iovColumns         = `id, pid, uri, bt, et, ct, dt, run, seq, fmt`
	selectDataTemplate = `SELECT data FROM %s WHERE id = $1`
)

// ident quotes a generated table name.
func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func iovTable(tb string) string  { return ident(iovPrefix + tb) }
func dataTable(tb string) string { return ident(dataPrefix + tb) }

// validTable reports whether tb is a well formed table suffix.
func validTable(tb string) bool {
	if tb == "" {
		return false
	}
	for _, c := range tb {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}

// createIOVSQL returns the DDL for a struct's IOV table and, when storage is
// set, its data table.
func createIOVSQL(tb string, storage bool) []string {
	iov := iovPrefix + tb
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE %s (
	id VARCHAR(36) NOT NULL,
	pid VARCHAR(36) NOT NULL,
	flavor VARCHAR(128) NOT NULL,
	ct BIGINT NOT NULL,
	dt BIGINT NOT NULL DEFAULT 0,
	bt BIGINT NOT NULL DEFAULT 0,
	et BIGINT NOT NULL DEFAULT 0,
	run BIGINT NOT NULL DEFAULT 0,
	seq BIGINT NOT NULL DEFAULT 0,
	fmt VARCHAR(36) NOT NULL,
	uri VARCHAR(2048) NOT NULL,
	CONSTRAINT %s PRIMARY KEY (pid, bt, run, seq, dt, flavor),
	CONSTRAINT %s UNIQUE (id)
)`, ident(iov), ident(iov+"_pk"), ident(iov+"_id")),
		fmt.Sprintf(`CREATE INDEX %s ON %s (ct)`, ident(iov+"_ct"), ident(iov)),
	}
	if !storage {
		return stmts
	}
	data := dataPrefix + tb
	return append(stmts,
		fmt.Sprintf(`CREATE TABLE %s (
	id VARCHAR(36) NOT NULL,
	pid VARCHAR(36) NOT NULL,
	ct BIGINT NOT NULL,
	dt BIGINT NOT NULL DEFAULT 0,
	data TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	CONSTRAINT %s PRIMARY KEY (id, pid, dt),
	CONSTRAINT %s UNIQUE (id)
)`, ident(data), ident(data+"_pk"), ident(data+"_id")),
		fmt.Sprintf(`CREATE INDEX %s ON %s (pid)`, ident(data+"_pid"), ident(data)),
		fmt.Sprintf(`CREATE INDEX %s ON %s (ct)`, ident(data+"_ct"), ident(data)),
	)
}

// lookupSQL builds the IOV query for one flavor. Arguments are returned in
// placeholder order.
func lookupSQL(tb string, mode types.Mode, flavor string, q types.Query, maxEntryTime int64) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "flavor = "+arg(flavor))
	switch mode {
	case types.ModeTime:
		et := arg(q.EventTime)
		where = append(where, "bt <= "+et, "(et = 0 OR et > "+et+")")
	case types.ModeRun:
		where = append(where, "run = "+arg(q.Run), "seq = "+arg(q.Seq))
	default:
		return "", nil, fmt.Errorf("unsupported struct mode %d", mode)
	}
	if maxEntryTime > 0 {
		mt := arg(maxEntryTime)
		where = append(where, "ct <= "+mt, "(dt = 0 OR dt > "+mt+")")
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY ct DESC LIMIT 1",
		iovColumns, iovTable(tb), strings.Join(where, " AND "))
	return sql, args, nil
}

// nextBeginSQL finds the earliest begin time after eventTime, which closes
// an open-ended mode 1 payload.
func nextBeginSQL(tb, flavor string, eventTime, maxEntryTime int64) (string, []any) {
	args := []any{flavor, eventTime}
	sql := fmt.Sprintf("SELECT bt FROM %s WHERE flavor = $1 AND bt > $2", iovTable(tb))
	if maxEntryTime > 0 {
		args = append(args, maxEntryTime)
		sql += " AND ct <= $3 AND (dt = 0 OR dt > $3)"
	}
	return sql + " ORDER BY bt ASC LIMIT 1", args
}

func insertIOVSQL(tb string) string {
	return fmt.Sprintf(`INSERT INTO %s (id, pid, flavor, ct, bt, et, dt, run, seq, uri, fmt) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, iovTable(tb))
}

func insertDataSQL(tb string) string {
	return fmt.Sprintf(`INSERT INTO %s (id, pid, ct, dt, data, size) VALUES ($1, $2, $3, $4, $5, $6)`, dataTable(tb))
}

func deactivateIOVSQL(tb string) string {
	return fmt.Sprintf(`UPDATE %s SET dt = $1 WHERE id = $2`, iovTable(tb))
}

func selectDataSQL(tb string) string {
	return fmt.Sprintf(selectDataTemplate, dataTable(tb))
}

func dropTableSQL(name string) string {
	return "DROP TABLE IF EXISTS " + ident(name)
}
