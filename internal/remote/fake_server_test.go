package remote

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gftdcojp/conditions-db/internal/types"
)

// fakeServer speaks just enough of the REST protocol for adapter tests.
type fakeServer struct {
	mu       sync.Mutex
	tags     map[string]TagWire
	schemas  map[string]string // by tag id
	payloads map[string][]PayloadWire
	data     map[string]string // by payload id
	tables   []string
	forms    []map[string]string
	tokens   []string
	gets     []string
	failNext int
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{
		tags:     make(map[string]TagWire),
		schemas:  make(map[string]string),
		payloads: make(map[string][]PayloadWire),
		data:     make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathTags, f.handleTags)
	mux.HandleFunc("POST "+PathTag, f.handleTag)
	mux.HandleFunc("GET "+PathSchema, f.handleGetSchema)
	mux.HandleFunc("POST "+PathSchema, f.handlePostSchema)
	mux.HandleFunc("POST "+PathTables, f.handleTables)
	mux.HandleFunc("GET "+PathPayloadGet, f.handlePayloadGet)
	mux.HandleFunc("POST "+PathPayloadSet, f.handlePayloadSet)
	mux.HandleFunc("POST "+PathPayloadDeactivate, f.handlePayloadDeactivate)
	mux.HandleFunc("GET "+PathDownload, f.handleDownload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokens = append(f.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if r.Method == http.MethodGet {
			f.gets = append(f.gets, r.URL.Path)
		}
		fail := f.failNext > 0
		if fail {
			f.failNext--
		}
		f.mu.Unlock()
		if fail {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) addTag(w TagWire) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[w.ID] = w
}

func (f *fakeServer) addPayload(tb string, p PayloadWire) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[tb] = append(f.payloads[tb], p)
}

func (f *fakeServer) lastForm() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forms) == 0 {
		return nil
	}
	return f.forms[len(f.forms)-1]
}

func (f *fakeServer) form(r *http.Request) map[string]string {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return nil
	}
	out := make(map[string]string)
	for k, v := range r.MultipartForm.Value {
		out[k] = v[0]
	}
	f.forms = append(f.forms, out)
	return out
}

func writeReply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func num(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func (f *fakeServer) handleTags(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reply := TagsReply{Tags: []TagWire{}}
	for _, t := range f.tags {
		reply.Tags = append(reply.Tags, t)
	}
	writeReply(w, reply)
}

func (f *fakeServer) handleTag(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	form := f.form(r)
	switch form["op"] {
	case OpCreate:
		if _, ok := f.tags[form["id"]]; ok {
			http.Error(w, "duplicate", http.StatusConflict)
			return
		}
		f.tags[form["id"]] = TagWire{
			ID: form["id"], PID: form["pid"], Name: form["name"], TbName: form["tbname"],
			CT: num(form["ct"]), DT: num(form["dt"]), Mode: types.Mode(num(form["mode"])),
		}
		writeReply(w, IDReply{ID: form["id"]})
	case OpDeactivate:
		t, ok := f.tags[form["id"]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		t.DT = num(form["dt"])
		f.tags[t.ID] = t
		writeReply(w, IDReply{ID: t.ID})
	default:
		http.Error(w, "bad op", http.StatusBadRequest)
	}
}

func (f *fakeServer) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.schemas[r.URL.Query().Get("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeReply(w, SchemaReply{Schema: doc})
}

func (f *fakeServer) handlePostSchema(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	form := f.form(r)
	pid := form["pid"]
	switch form["op"] {
	case OpCreate:
		if _, ok := f.schemas[pid]; ok {
			http.Error(w, "schema exists", http.StatusConflict)
			return
		}
		doc, err := base64.StdEncoding.DecodeString(form["schema"])
		if err != nil {
			http.Error(w, "bad schema", http.StatusBadRequest)
			return
		}
		f.schemas[pid] = string(doc)
		t := f.tags[pid]
		t.SchemaID = form["id"]
		f.tags[pid] = t
		writeReply(w, IDReply{ID: form["id"]})
	case OpDrop:
		if _, ok := f.schemas[pid]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.schemas, pid)
		writeReply(w, IDReply{ID: pid})
	}
}

func (f *fakeServer) handleTables(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.form(r)["op"] {
	case OpCreate:
		f.tables = []string{"cdb_schemas", "cdb_tags"}
		writeReply(w, TablesReply{Tables: f.tables})
	case OpList:
		writeReply(w, TablesReply{Tables: f.tables})
	case OpDrop:
		f.tables = nil
		writeReply(w, TablesReply{})
	}
}

func (f *fakeServer) modeOf(tb string) types.Mode {
	for _, t := range f.tags {
		if t.TbName == tb {
			return t.Mode
		}
	}
	return types.ModeFolder
}

func (f *fakeServer) handlePayloadGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := r.URL.Query()
	tb := v.Get("tb")
	q := types.Query{EventTime: num(v.Get("et")), Run: num(v.Get("run")), Seq: num(v.Get("seq"))}
	mode := f.modeOf(tb)

	var best *types.Payload
	var bestWire PayloadWire
	for _, pw := range f.payloads[tb] {
		if pw.Flavor != v.Get("f") {
			continue
		}
		p := pw.Payload(mode)
		if types.Matches(p, mode, q, num(v.Get("mt"))) && types.Newer(p, best) {
			best, bestWire = p, pw
		}
	}
	if best == nil {
		http.NotFound(w, r)
		return
	}
	writeReply(w, PayloadReply{Payload: bestWire})
}

func (f *fakeServer) handlePayloadSet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	form := f.form(r)
	pw := PayloadWire{
		ID: form["id"], PID: form["pid"], Flavor: form["flavor"],
		CT: num(form["ct"]), BT: num(form["bt"]), ET: num(form["et"]),
		Run: num(form["run"]), Seq: num(form["seq"]), Fmt: form["fmt"], URI: form["uri"],
	}
	if pw.URI == "" {
		pw.URI = "db://" + form["tbname"] + "/" + pw.ID
		f.data[pw.ID] = form["data"]
	}
	f.payloads[form["tbname"]] = append(f.payloads[form["tbname"]], pw)
	writeReply(w, IDReply{ID: pw.ID})
}

func (f *fakeServer) handlePayloadDeactivate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	form := f.form(r)
	list := f.payloads[form["tbname"]]
	for i := range list {
		if list[i].ID == form["id"] {
			list[i].DT = num(form["dt"])
			writeReply(w, IDReply{ID: list[i].ID})
			return
		}
	}
	http.NotFound(w, r)
}

func (f *fakeServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[r.URL.Query().Get("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(data))
}
