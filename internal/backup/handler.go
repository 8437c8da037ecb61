package backup

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/server"
)

const maxRequestBody = 1 << 20

// Handler exposes the Service over HTTP.
type Handler struct {
	svc       *Service
	authorize func(http.Handler) http.Handler
	logger    *zap.Logger
}

// NewHandler creates a Handler. authorize wraps every route and must reject
// callers that are not administrators.
func NewHandler(svc *Service, authorize func(http.Handler) http.Handler, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, authorize: authorize, logger: logger}
}

// RegisterRoutes mounts the backup API under /api/v1/backups.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/backups", h.authorize(http.HandlerFunc(h.handleCreate)))
	mux.Handle("GET /api/v1/backups", h.authorize(http.HandlerFunc(h.handleList)))
	mux.Handle("GET /api/v1/backups/history", h.authorize(http.HandlerFunc(h.handleHistory)))
	mux.Handle("POST /api/v1/backups/restore", h.authorize(http.HandlerFunc(h.handleRestore)))
	mux.Handle("POST /api/v1/backups/cleanup", h.authorize(http.HandlerFunc(h.handleCleanup)))
	mux.Handle("GET /api/v1/backups/{filename}", h.authorize(http.HandlerFunc(h.handleDownload)))
	mux.Handle("DELETE /api/v1/backups/{filename}", h.authorize(http.HandlerFunc(h.handleDelete)))
}

// CreateResponse is returned by POST /api/v1/backups.
type CreateResponse struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Create(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{Filename: info.Filename, Size: info.Size})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	archives, err := h.svc.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, archives)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			server.BadRequest(w, "limit must be a non-negative integer", r.URL.Path)
			return
		}
		limit = n
	}
	entries, err := h.svc.History(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	f, info, err := h.svc.Open(r.PathValue("filename"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Filename+`"`)
	http.ServeContent(w, r, info.Filename, info.CreatedAt, f)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("filename")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := decodeBody(w, r, &req); err != nil {
		server.BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	res, err := h.svc.Restore(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// cleanupRequest keeps days loosely typed; see ParseRetentionDays.
type cleanupRequest struct {
	Days any `json:"days"`
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		server.BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return
	}
	res, err := h.svc.Cleanup(r.Context(), ParseRetentionDays(req.Days))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeError maps the error taxonomy onto problem responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := server.Problem{Instance: r.URL.Path}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		p.Type, p.Status, p.Detail = server.ProblemTypeBadRequest, http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNotFound):
		p.Type, p.Status, p.Detail = server.ProblemTypeNotFound, http.StatusNotFound, err.Error()
	default:
		h.logger.Error("backup request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", server.RequestID(r.Context())),
			zap.Error(err),
		)
		p.Type, p.Status, p.Detail = server.ProblemTypeInternal, http.StatusInternalServerError, err.Error()
	}
	p.Title = http.StatusText(p.Status)

	var rerr *RestoreError
	if errors.As(err, &rerr) && rerr.PreRestoreBackup != "" {
		p.Extensions = map[string]any{"preRestoreBackup": rerr.PreRestoreBackup}
	}
	server.WriteProblem(w, p)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.UseNumber()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
