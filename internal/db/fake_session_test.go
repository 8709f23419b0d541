package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB is an in-memory stand-in for the statements the adapter issues.
type fakeDB struct {
	mu    sync.Mutex
	state fakeState

	connects   []string
	connectErr error
	execErr    error
}

type fakeState struct {
	tables  map[string]bool
	tags    []tagRow
	schemas map[string][2]string // pid -> {id, data}
	iov     map[string][]iovRow
	data    map[string]map[string]string
}

type tagRow struct {
	id, name, pid, tbname string
	ct, dt, mode          int64
}

type iovRow struct {
	id, pid, flavor, uri, fmt string
	ct, bt, et, dt, run, seq  int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{state: fakeState{
		tables:  map[string]bool{},
		schemas: map[string][2]string{},
		iov:     map[string][]iovRow{},
		data:    map[string]map[string]string{},
	}}
}

func (s fakeState) clone() fakeState {
	c := fakeState{
		tables:  map[string]bool{},
		tags:    append([]tagRow(nil), s.tags...),
		schemas: map[string][2]string{},
		iov:     map[string][]iovRow{},
		data:    map[string]map[string]string{},
	}
	for k, v := range s.tables {
		c.tables[k] = v
	}
	for k, v := range s.schemas {
		c.schemas[k] = v
	}
	for k, v := range s.iov {
		c.iov[k] = append([]iovRow(nil), v...)
	}
	for k, v := range s.data {
		m := map[string]string{}
		for id, d := range v {
			m[id] = d
		}
		c.data[k] = m
	}
	return c
}

func (f *fakeDB) connector() Connector {
	return func(_ context.Context, t config.DBTarget) (Session, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.connectErr != nil {
			return nil, f.connectErr
		}
		f.connects = append(f.connects, t.Host)
		return &fakeSession{db: f}, nil
	}
}

func (f *fakeDB) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeDB) hasTable(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.tables[name]
}

type fakeSession struct {
	db *fakeDB
}

func (s *fakeSession) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.exec(sql, args)
}

func (s *fakeSession) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rows, err := s.db.query(sql, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{rows: rows, i: -1}, nil
}

func (s *fakeSession) QueryRow(ctx context.Context, sql string, args ...any) Row {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rows, err := s.db.query(sql, args)
	if err != nil {
		return fakeRow{err: err}
	}
	if len(rows) == 0 {
		return fakeRow{err: ErrNoRows}
	}
	return fakeRow{vals: rows[0]}
}

func (s *fakeSession) InTx(ctx context.Context, fn func(q Querier) error) error {
	s.db.mu.Lock()
	saved := s.db.state.clone()
	s.db.mu.Unlock()
	if err := fn(s); err != nil {
		s.db.mu.Lock()
		s.db.state = saved
		s.db.mu.Unlock()
		return err
	}
	return nil
}

func (s *fakeSession) Ping(context.Context) error { return nil }

func (s *fakeSession) Close() {}

var (
	createTableRe = regexp.MustCompile(`^CREATE TABLE "?([a-z0-9_]+)"?`)
	dropTableRe   = regexp.MustCompile(`^DROP TABLE IF EXISTS "?([a-z0-9_]+)"?`)
	structTableRe = regexp.MustCompile(`"cdb_(iov|data)_([a-z0-9_]+)"`)
)

func pgError(code, msg string) error {
	return &pgconn.PgError{Code: code, Message: msg}
}

func str(v any) string { return v.(string) }
func num(v any) int64  { return reflect.ValueOf(v).Int() }

func (f *fakeDB) structTable(sql string) (kind, tb string, err error) {
	m := structTableRe.FindStringSubmatch(sql)
	if m == nil {
		return "", "", fmt.Errorf("fake: no struct table in %q", sql)
	}
	if !f.state.tables["cdb_"+m[1]+"_"+m[2]] {
		return "", "", pgError("42P01", "relation does not exist")
	}
	return m[1], m[2], nil
}

func (f *fakeDB) exec(sql string, args []any) (int64, error) {
	if f.execErr != nil {
		return 0, f.execErr
	}
	st := &f.state
	switch {
	case strings.HasPrefix(sql, "CREATE TABLE"):
		name := createTableRe.FindStringSubmatch(sql)[1]
		if st.tables[name] {
			return 0, pgError("42P07", "relation already exists")
		}
		st.tables[name] = true
		return 0, nil
	case strings.HasPrefix(sql, "CREATE INDEX"):
		return 0, nil
	case strings.HasPrefix(sql, "DROP TABLE"):
		name := dropTableRe.FindStringSubmatch(sql)[1]
		delete(st.tables, name)
		return 0, nil
	case sql == insertTagSQL:
		if !st.tables["cdb_tags"] {
			return 0, pgError("42P01", "relation cdb_tags does not exist")
		}
		r := tagRow{id: str(args[0]), name: str(args[1]), pid: str(args[2]), tbname: str(args[3]),
			ct: num(args[4]), dt: num(args[5]), mode: num(args[6])}
		for _, t := range st.tags {
			if t.id == r.id || (t.pid == r.pid && t.name == r.name && t.dt == r.dt) {
				return 0, pgError("23505", "duplicate key value violates unique constraint")
			}
		}
		st.tags = append(st.tags, r)
		return 1, nil
	case sql == deactivateTagSQL:
		var n int64
		for i := range st.tags {
			if st.tags[i].id == str(args[1]) {
				st.tags[i].dt = num(args[0])
				n++
			}
		}
		return n, nil
	case sql == insertSchemaSQL:
		pid := str(args[1])
		if _, ok := st.schemas[pid]; ok {
			return 0, pgError("23505", "duplicate key value violates unique constraint")
		}
		st.schemas[pid] = [2]string{str(args[0]), str(args[2])}
		return 1, nil
	case sql == deleteSchemaSQL:
		if _, ok := st.schemas[str(args[0])]; !ok {
			return 0, nil
		}
		delete(st.schemas, str(args[0]))
		return 1, nil
	case strings.HasPrefix(sql, "INSERT INTO"):
		kind, tb, err := f.structTable(sql)
		if err != nil {
			return 0, err
		}
		if kind == "data" {
			if st.data[tb] == nil {
				st.data[tb] = map[string]string{}
			}
			id := str(args[0])
			if _, ok := st.data[tb][id]; ok {
				return 0, pgError("23505", "duplicate data id")
			}
			st.data[tb][id] = str(args[4])
			return 1, nil
		}
		r := iovRow{id: str(args[0]), pid: str(args[1]), flavor: str(args[2]), ct: num(args[3]),
			bt: num(args[4]), et: num(args[5]), dt: num(args[6]), run: num(args[7]), seq: num(args[8]),
			uri: str(args[9]), fmt: str(args[10])}
		for _, e := range st.iov[tb] {
			if e.id == r.id {
				return 0, pgError("23505", "duplicate iov id")
			}
		}
		st.iov[tb] = append(st.iov[tb], r)
		return 1, nil
	case strings.HasPrefix(sql, "UPDATE"):
		_, tb, err := f.structTable(sql)
		if err != nil {
			return 0, err
		}
		var n int64
		for i := range st.iov[tb] {
			if st.iov[tb][i].id == str(args[1]) {
				st.iov[tb][i].dt = num(args[0])
				n++
			}
		}
		return n, nil
	}
	return 0, fmt.Errorf("fake: unexpected exec %q", sql)
}

func (f *fakeDB) query(sql string, args []any) ([][]any, error) {
	st := &f.state
	switch {
	case sql == selectMetadataSQL:
		if !st.tables["cdb_tags"] {
			return nil, pgError("42P01", "relation cdb_tags does not exist")
		}
		var out [][]any
		for _, t := range st.tags {
			s := st.schemas[t.id]
			out = append(out, []any{t.id, t.name, t.pid, t.tbname, t.ct, t.dt, t.mode, s[0], s[1]})
		}
		return out, nil
	case sql == selectSchemaSQL, sql == selectSchemaIDSQL:
		s, ok := st.schemas[str(args[0])]
		if !ok {
			return nil, nil
		}
		if sql == selectSchemaSQL {
			return [][]any{{s[1]}}, nil
		}
		return [][]any{{s[0]}}, nil
	case sql == listTablesSQL:
		var names []string
		for name := range st.tables {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([][]any, 0, len(names))
		for _, n := range names {
			out = append(out, []any{n})
		}
		return out, nil
	case strings.HasPrefix(sql, "SELECT data FROM"):
		_, tb, err := f.structTable(sql)
		if err != nil {
			return nil, err
		}
		d, ok := st.data[tb][str(args[0])]
		if !ok {
			return nil, nil
		}
		return [][]any{{d}}, nil
	case strings.HasPrefix(sql, "SELECT bt FROM"):
		_, tb, err := f.structTable(sql)
		if err != nil {
			return nil, err
		}
		var mt int64
		if len(args) > 2 {
			mt = num(args[2])
		}
		var best *iovRow
		for i, r := range st.iov[tb] {
			if r.flavor != str(args[0]) || r.bt <= num(args[1]) || !entryOK(r, mt) {
				continue
			}
			if best == nil || r.bt < best.bt {
				best = &st.iov[tb][i]
			}
		}
		if best == nil {
			return nil, nil
		}
		return [][]any{{best.bt}}, nil
	case strings.HasPrefix(sql, "SELECT "+iovColumns):
		_, tb, err := f.structTable(sql)
		if err != nil {
			return nil, err
		}
		runMode := strings.Contains(sql, "run = ")
		var mt int64
		if (runMode && len(args) > 3) || (!runMode && len(args) > 2) {
			mt = num(args[len(args)-1])
		}
		var best *iovRow
		for i, r := range st.iov[tb] {
			if r.flavor != str(args[0]) || !entryOK(r, mt) {
				continue
			}
			if runMode {
				if r.run != num(args[1]) || r.seq != num(args[2]) {
					continue
				}
			} else {
				et := num(args[1])
				if r.bt > et || (r.et != 0 && r.et <= et) {
					continue
				}
			}
			if best == nil || r.ct > best.ct {
				best = &st.iov[tb][i]
			}
		}
		if best == nil {
			return nil, nil
		}
		r := best
		return [][]any{{r.id, r.pid, r.uri, r.bt, r.et, r.ct, r.dt, r.run, r.seq, r.fmt}}, nil
	}
	return nil, fmt.Errorf("fake: unexpected query %q", sql)
}

func entryOK(r iovRow, mt int64) bool {
	if mt <= 0 {
		return true
	}
	return r.ct <= mt && (r.dt == 0 || r.dt > mt)
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.vals, dest)
}

type fakeRows struct {
	rows [][]any
	i    int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error { return assign(r.rows[r.i], dest) }

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Close() {}

func assign(vals, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("fake: scanning %d values into %d targets", len(vals), len(dest))
	}
	for i, v := range vals {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer {
			return errors.New("fake: scan target is not a pointer")
		}
		dv.Elem().Set(reflect.ValueOf(v).Convert(dv.Elem().Type()))
	}
	return nil
}
