package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"classcal/internal/config"
	"classcal/internal/extract"
	appLog "classcal/internal/log"
	"classcal/internal/model"
	"classcal/internal/pipeline"
	"classcal/internal/reminder"
)

// maxBodySize bounds uploaded model output and calendars.
const maxBodySize = 2 << 20

// ownerHeader may carry the owner instead of the owner query parameter.
const ownerHeader = "X-Classcal-Owner"

// Server provides the HTTP API over a Pipeline.
type Server struct {
	cfg *config.Config
	p   *pipeline.Pipeline
	mux *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, p *pipeline.Pipeline) *Server {
	s := &Server{
		cfg: cfg,
		p:   p,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// NewHTTPServer wraps the handler with the timeouts used in production.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials leave auth off.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="classcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/timetable", s.handleGetTimetable)
	s.mux.HandleFunc("POST /api/timetable", s.handleUpload)
	s.mux.HandleFunc("PUT /api/timetable/session", s.handleEditSession)
	s.mux.HandleFunc("GET /api/timetable.ics", s.handleExportICS)
	s.mux.HandleFunc("POST /api/timetable/ics", s.handleImportICS)

	s.mux.HandleFunc("GET /api/reminders", s.handleGetReminders)
	s.mux.HandleFunc("POST /api/reminders/reschedule", s.handleReschedule)
	s.mux.HandleFunc("GET /api/upcoming", s.handleUpcoming)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleGetTimetable(w http.ResponseWriter, r *http.Request) {
	tt, err := s.p.Timetable(r.Context(), owner(r))
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tt)
}

// handleUpload takes raw vision/LLM output as the request body.
//
// POST /api/timetable?owner=alice
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	}

	out, err := s.p.Process(r.Context(), owner(r), string(body))
	if err != nil {
		writePipelineError(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// editRequest replaces the session identified by Old in course CourseCode.
type editRequest struct {
	CourseCode string           `json:"courseCode"`
	Old        model.SessionKey `json:"old"`
	Session    model.Session    `json:"session"`
}

func (s *Server) handleEditSession(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	out, err := s.p.EditSession(r.Context(), owner(r), req.CourseCode, req.Old, req.Session)
	if err != nil {
		writePipelineError(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExportICS(w http.ResponseWriter, r *http.Request) {
	body, err := s.p.ExportICS(r.Context(), owner(r))
	if err != nil {
		writeReadError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="timetable.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// importRequest subscribes to a calendar URL instead of uploading a body.
type importRequest struct {
	URL string `json:"url"`
}

// handleImportICS accepts either a text/calendar body or a JSON
// {"url": "..."} pointing at a subscription.
func (s *Server) handleImportICS(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	}

	var out *pipeline.Outcome
	if isJSON(r) {
		var req importRequest
		if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.URL) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "url is required")
			return
		}
		out, err = s.p.ImportICSURL(r.Context(), owner(r), req.URL)
	} else {
		out, err = s.p.ImportICS(r.Context(), owner(r), body)
	}
	if err != nil {
		writePipelineError(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetReminders(w http.ResponseWriter, r *http.Request) {
	res, err := s.p.Reminders(r.Context(), owner(r))
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	res, err := s.p.Reschedule(r.Context(), owner(r))
	if err != nil {
		writePipelineError(w, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// upcomingResponse is the JSON response shape for /api/upcoming.
type upcomingResponse struct {
	Occurrences     []model.Occurrence `json:"occurrences"`
	Days            int                `json:"days"`
	DisplayTimeZone string             `json:"display_timezone"`
}

// handleUpcoming lists class occurrences ahead.
//
// GET /api/upcoming?owner=alice&days=7
func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 7)
	if days <= 0 || days > 366 {
		days = 7
	}

	occ, err := s.p.Upcoming(r.Context(), owner(r), days)
	if err != nil {
		writeReadError(w, err)
		return
	}
	if occ == nil {
		occ = []model.Occurrence{}
	}
	writeJSON(w, http.StatusOK, upcomingResponse{
		Occurrences:     occ,
		Days:            days,
		DisplayTimeZone: s.p.Location().String(),
	})
}

func owner(r *http.Request) string {
	if o := strings.TrimSpace(r.URL.Query().Get("owner")); o != "" {
		return o
	}
	return strings.TrimSpace(r.Header.Get(ownerHeader))
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// errorStatus maps pipeline errors onto HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrNoOwner):
		return http.StatusBadRequest, "owner_required"
	case errors.Is(err, pipeline.ErrInvalidSession):
		return http.StatusBadRequest, "invalid_session"
	case errors.Is(err, pipeline.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, pipeline.ErrBadPayload), errors.Is(err, extract.ErrNoPayload):
		return http.StatusUnprocessableEntity, "bad_payload"
	case errors.Is(err, pipeline.ErrNoData):
		return http.StatusUnprocessableEntity, "no_data"
	case errors.Is(err, pipeline.ErrInvalidCalendar):
		return http.StatusUnprocessableEntity, "bad_calendar"
	case errors.Is(err, pipeline.ErrFetchUnavailable):
		return http.StatusNotImplemented, "fetch_disabled"
	case errors.Is(err, pipeline.ErrURLRefused):
		return http.StatusBadRequest, "url_refused"
	case errors.Is(err, pipeline.ErrFetchFailed):
		return http.StatusBadGateway, "fetch_failed"
	case errors.Is(err, reminder.ErrUnavailable):
		return http.StatusBadGateway, "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// errorResp is the JSON error body. Partial carries whatever a failed batch
// already did, e.g. the saved timetable when the dispatcher went away.
type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Partial any    `json:"partial,omitempty"`
}

func writePipelineError(w http.ResponseWriter, err error, partial any) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		appLog.Error("api request failed", err, "code", code)
	}
	resp := errorResp{Error: code, Message: err.Error()}
	if code == "fetch_failed" {
		// The remote error can describe hosts the caller should not learn
		// about.
		appLog.Warn("calendar fetch failed", "error", err.Error())
		resp.Message = "calendar could not be fetched"
	}
	if !isNil(partial) {
		resp.Partial = partial
	}
	writeJSON(w, status, resp)
}

// writeReadError reports a missing timetable as 404 on read endpoints.
func writeReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrNoData) {
		writeError(w, http.StatusNotFound, "no_data", err.Error())
		return
	}
	writePipelineError(w, err, nil)
}

func isNil(v any) bool {
	switch p := v.(type) {
	case nil:
		return true
	case *pipeline.Outcome:
		return p == nil
	case *reminder.ScheduleResult:
		return p == nil
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResp{Error: code, Message: msg})
}
