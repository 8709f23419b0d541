// Package serve exposes a database adapter over the conditions REST protocol
// spoken by the http adapter.
package serve

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/conditions-db/internal/adapter"
	"github.com/gftdcojp/conditions-db/internal/config"
	"github.com/gftdcojp/conditions-db/internal/db"
	"github.com/gftdcojp/conditions-db/internal/metrics"
	"github.com/gftdcojp/conditions-db/internal/remote"
	"github.com/gftdcojp/conditions-db/internal/types"
	"go.uber.org/zap"
)

// maxFormBytes bounds request bodies, payload data included.
const maxFormBytes = 64 << 20

// Backend is the storage the server fronts. *db.Adapter implements it.
type Backend interface {
	TagRecords(ctx context.Context) ([]types.TagRecord, error)
	TagPath(ctx context.Context, id string) (string, error)
	FindPayload(ctx context.Context, tb, flavor string, mode types.Mode, q types.Query, maxEntryTime int64) (*types.Payload, error)
	SetPayload(ctx context.Context, p *types.Payload) (string, error)
	DeactivateStored(ctx context.Context, tb, id string, deactiveTime int64) error
	ImportTag(ctx context.Context, rec types.TagRecord) (string, error)
	DeactivateTag(ctx context.Context, path string, deactiveTime int64) error
	GetTagSchema(ctx context.Context, path string) (string, error)
	SetTagSchema(ctx context.Context, path, doc string) error
	DropTagSchema(ctx context.Context, path string) error
	DownloadData(ctx context.Context, uri string) ([]byte, error)
	adapter.TableAdmin
}

var _ Backend = (*db.Adapter)(nil)

type handler struct {
	backend Backend
	auth    *authenticator
	logger  *zap.Logger
}

// NewHandler returns the protocol mux with authentication applied.
func NewHandler(backend Backend, users map[string]config.UserConfig, logger *zap.Logger) http.Handler {
	h := &handler{
		backend: backend,
		auth:    newAuthenticator(users),
		logger:  logger,
	}
	if len(users) == 0 {
		logger.Warn("no server users configured, requests are not authenticated")
	}

	mux := http.NewServeMux()
	h.route(mux, "GET", remote.PathTags, adapter.AccessGet, h.handleTags)
	h.route(mux, "GET", remote.PathPayloadGet, adapter.AccessGet, h.handlePayloadGet)
	h.route(mux, "GET", remote.PathSchema, adapter.AccessGet, h.handleGetSchema)
	h.route(mux, "GET", remote.PathDownload, adapter.AccessGet, h.handleDownload)
	h.route(mux, "POST", remote.PathPayloadSet, adapter.AccessSet, h.handlePayloadSet)
	h.route(mux, "POST", remote.PathPayloadDeactivate, adapter.AccessAdmin, h.handlePayloadDeactivate)
	h.route(mux, "POST", remote.PathTag, adapter.AccessAdmin, h.handleTag)
	h.route(mux, "POST", remote.PathSchema, adapter.AccessAdmin, h.handlePostSchema)
	h.route(mux, "POST", remote.PathTables, adapter.AccessAdmin, h.handleTables)
	return mux
}

// RunHTTP serves the protocol until ctx is done.
func RunHTTP(ctx context.Context, cfg config.ServerConfig, backend Backend, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(backend, cfg.Users, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("conditions API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// statusRecorder captures the status code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handler) route(mux *http.ServeMux, method, path, level string, fn http.HandlerFunc) {
	mux.HandleFunc(method+" "+path, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			metrics.ServerRequests.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
		}()

		user, err := h.auth.authorize(r, level)
		if err != nil {
			h.logger.Debug("request rejected", zap.String("path", path), zap.Error(err))
			writeError(rec, http.StatusUnauthorized, err.Error())
			return
		}
		if method == "POST" {
			r.Body = http.MaxBytesReader(rec, r.Body, maxFormBytes)
			if err := parseForm(r); err != nil {
				writeError(rec, http.StatusBadRequest, "malformed form: "+err.Error())
				return
			}
		}
		if user != "" {
			h.logger.Debug("request", zap.String("path", path), zap.String("user", user))
		}
		fn(rec, r)
	})
}

// parseForm accepts multipart and urlencoded bodies.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxFormBytes)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

func formInt(r *http.Request, key string) (int64, error) {
	s := r.FormValue(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, adapter.Errorf(adapter.ErrInvalidInput, "%s: %q is not an integer", key, s)
	}
	return v, nil
}

// recordByTable returns the struct tag stored in table tb.
func (h *handler) recordByTable(ctx context.Context, tb string) (types.TagRecord, error) {
	records, err := h.backend.TagRecords(ctx)
	if err != nil {
		return types.TagRecord{}, err
	}
	for _, rec := range records {
		if rec.TbName != "" && rec.TbName == tb {
			return rec, nil
		}
	}
	return types.TagRecord{}, adapter.Errorf(adapter.ErrNotFound, "no struct stored in table %q", tb)
}

func (h *handler) handleTags(w http.ResponseWriter, r *http.Request) {
	records, err := h.backend.TagRecords(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	reply := remote.TagsReply{Tags: make([]remote.TagWire, 0, len(records))}
	for _, rec := range records {
		reply.Tags = append(reply.Tags, remote.WireTag(*rec.Tag()))
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *handler) handlePayloadGet(w http.ResponseWriter, r *http.Request) {
	tb, flavor := r.FormValue("tb"), r.FormValue("f")
	if tb == "" || flavor == "" {
		writeError(w, http.StatusBadRequest, "tb and f are required")
		return
	}
	var q types.Query
	mt, err := formInt(r, "mt")
	if err == nil {
		q.EventTime, err = formInt(r, "et")
	}
	if err == nil {
		q.Run, err = formInt(r, "run")
	}
	if err == nil {
		q.Seq, err = formInt(r, "seq")
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	rec, err := h.recordByTable(r.Context(), tb)
	if err != nil {
		h.fail(w, err)
		return
	}
	p, err := h.backend.FindPayload(r.Context(), tb, types.SanitizeAlnum(flavor), rec.Mode, q, mt)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.PayloadReply{Payload: remote.WirePayload(p)})
}

func (h *handler) handlePayloadSet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.recordByTable(r.Context(), r.FormValue("tbname"))
	if err != nil {
		h.fail(w, err)
		return
	}
	dir, name := adapter.SplitTagPath(rec.Path)
	p := &types.Payload{
		ID:         r.FormValue("id"),
		PID:        rec.ID,
		Flavor:     types.SanitizeAlnum(r.FormValue("flavor")),
		Directory:  dir,
		StructName: name,
	}
	fields := []struct {
		key string
		dst *int64
	}{
		{"ct", &p.CreateTime},
		{"bt", &p.BeginTime},
		{"et", &p.EndTime},
		{"run", &p.Run},
		{"seq", &p.Seq},
	}
	for _, f := range fields {
		if *f.dst, err = formInt(r, f.key); err != nil {
			h.fail(w, err)
			return
		}
	}
	p.Mode = rec.Mode
	format := types.Format(r.FormValue("fmt"))
	if uri := r.FormValue("uri"); uri != "" {
		p.SetURI(uri)
		if format != "" {
			p.Format = types.ParseFormat(string(format))
		}
	} else {
		data := []byte(r.FormValue("data"))
		size, err := formInt(r, "data_size")
		if err != nil {
			h.fail(w, err)
			return
		}
		if size > 0 && size != int64(len(data)) {
			writeError(w, http.StatusBadRequest, "data_size does not match the data sent")
			return
		}
		p.SetData(data, format)
	}

	id, err := h.backend.SetPayload(r.Context(), p)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.IDReply{ID: id})
}

func (h *handler) handlePayloadDeactivate(w http.ResponseWriter, r *http.Request) {
	dt, err := formInt(r, "dt")
	if err != nil {
		h.fail(w, err)
		return
	}
	id := r.FormValue("id")
	if err := h.backend.DeactivateStored(r.Context(), r.FormValue("tbname"), id, dt); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.IDReply{ID: id})
}

func (h *handler) handleTag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch op := r.FormValue("op"); op {
	case remote.OpCreate:
		rec := types.TagRecord{
			ID:     r.FormValue("id"),
			PID:    r.FormValue("pid"),
			Name:   r.FormValue("name"),
			TbName: r.FormValue("tbname"),
		}
		mode, err := formInt(r, "mode")
		if err == nil {
			rec.CreateTime, err = formInt(r, "ct")
		}
		if err == nil {
			rec.DeactTime, err = formInt(r, "dt")
		}
		if err != nil {
			h.fail(w, err)
			return
		}
		rec.Mode = types.Mode(mode)
		id, err := h.backend.ImportTag(ctx, rec)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, remote.IDReply{ID: id})

	case remote.OpDeactivate:
		dt, err := formInt(r, "dt")
		if err != nil {
			h.fail(w, err)
			return
		}
		id := r.FormValue("id")
		path, err := h.backend.TagPath(ctx, id)
		if err == nil {
			err = h.backend.DeactivateTag(ctx, path, dt)
		}
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, remote.IDReply{ID: id})

	default:
		writeError(w, http.StatusBadRequest, "unknown op "+strconv.Quote(op))
	}
}

func (h *handler) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	path, err := h.backend.TagPath(r.Context(), r.FormValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	doc, err := h.backend.GetTagSchema(r.Context(), path)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.SchemaReply{Schema: doc})
}

func (h *handler) handlePostSchema(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pid := r.FormValue("pid")
	path, err := h.backend.TagPath(ctx, pid)
	if err != nil {
		h.fail(w, err)
		return
	}

	switch op := r.FormValue("op"); op {
	case remote.OpCreate:
		doc, err := base64.StdEncoding.DecodeString(r.FormValue("schema"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "schema is not valid base64")
			return
		}
		if err := h.backend.SetTagSchema(ctx, path, string(doc)); err != nil {
			h.fail(w, err)
			return
		}
		// The backend picks the schema id; report the one it stored.
		id := ""
		records, err := h.backend.TagRecords(ctx)
		if err != nil {
			h.fail(w, err)
			return
		}
		for _, rec := range records {
			if rec.ID == pid {
				id = rec.Schema
			}
		}
		writeJSON(w, http.StatusOK, remote.IDReply{ID: id})

	case remote.OpDrop:
		if err := h.backend.DropTagSchema(ctx, path); err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, remote.IDReply{ID: pid})

	default:
		writeError(w, http.StatusBadRequest, "unknown op "+strconv.Quote(op))
	}
}

func (h *handler) handleTables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch op := r.FormValue("op"); op {
	case remote.OpCreate:
		err = h.backend.CreateDatabaseTables(ctx)
	case remote.OpDrop:
		err = h.backend.DropDatabaseTables(ctx)
	case remote.OpList:
	default:
		writeError(w, http.StatusBadRequest, "unknown op "+strconv.Quote(op))
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	tables, err := h.backend.ListDatabaseTables(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.TablesReply{Tables: tables})
}

func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	tb, id := r.FormValue("tbname"), r.FormValue("id")
	if tb == "" || id == "" {
		writeError(w, http.StatusBadRequest, "tbname and id are required")
		return
	}
	data, err := h.backend.DownloadData(r.Context(), db.URIScheme+tb+"/"+id)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// fail maps adapter errors onto status codes.
func (h *handler) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, adapter.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, adapter.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, adapter.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, adapter.ErrNotSupported):
		code = http.StatusNotImplemented
	case errors.Is(err, adapter.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
