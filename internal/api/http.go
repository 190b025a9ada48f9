package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/obs"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

// Server exposes the queue and the schedules over HTTP. It only reads and
// inserts; scheduling itself is left to the workers.
type Server struct {
	store      storage.Store
	logger     *obs.Logger
	categories map[string]bool
	now        func() time.Time
	mux        *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func NewServer(store storage.Store, logger *obs.Logger, categories []string) *Server {
	s := &Server{
		store:      store,
		logger:     logger,
		categories: make(map[string]bool, len(categories)),
		now:        time.Now,
		mux:        http.NewServeMux(),
	}
	for _, c := range categories {
		s.categories[c] = true
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// simple path parsing to avoid extra router deps
	s.mux.HandleFunc("/v1/requests", s.handleRequests)
	s.mux.HandleFunc("/v1/requests/", s.handleRequests)
	s.mux.HandleFunc("/v1/queue/", s.handleQueue)
	s.mux.HandleFunc("/v1/resources", s.handleResources)
	s.mux.HandleFunc("/v1/resources/", s.handleResources)
	s.mux.HandleFunc("/v1/claims/", s.handleClaim)
}

// --- Handlers ---

type submitReq struct {
	Category  string `json:"category"`
	Urgency   int    `json:"urgency"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// POST /v1/requests
	// GET  /v1/requests/{id}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/requests"), "/")
	switch {
	case r.Method == http.MethodPost && id == "":
		s.handleSubmit(w, r)
	case r.Method == http.MethodGet && id != "" && !strings.Contains(id, "/"):
		s.handleGetRequest(w, r, id)
	case r.Method == http.MethodGet || r.Method == http.MethodPost:
		writeErr(w, http.StatusNotFound, "invalid path")
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.categories[req.Category] {
		writeErr(w, http.StatusBadRequest, "unknown category")
		return
	}
	if !model.ValidUrgency(req.Urgency) {
		writeErr(w, http.StatusBadRequest, "urgency must be 1, 2 or 3")
		return
	}
	if req.FirstName == "" || req.LastName == "" {
		writeErr(w, http.StatusBadRequest, "first_name and last_name required")
		return
	}

	out := model.Request{
		ID:          uuid.NewString(),
		Category:    req.Category,
		Urgency:     req.Urgency,
		Requester:   model.Requester{FirstName: req.FirstName, LastName: req.LastName},
		SubmittedAt: s.now().UTC(),
	}
	if err := s.store.InsertRequest(r.Context(), out); err != nil {
		s.fail(w, r, "submit", err)
		return
	}
	s.logger.Info(map[string]interface{}{
		"op":       "submit",
		"req_id":   requestID(r.Context()),
		"request":  out.ID,
		"category": out.Category,
		"urgency":  out.Urgency,
	})
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request, id string) {
	req, err := s.store.SelectRequest(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get_request", err)
		return
	}
	if req == nil {
		writeErr(w, http.StatusNotFound, "not pending")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	category := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/queue/"), "/")
	if !s.categories[category] {
		writeErr(w, http.StatusNotFound, "unknown category")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeErr(w, http.StatusBadRequest, "limit must be in (0, 1000]")
			return
		}
		limit = n
	}
	pending, err := s.store.SelectPendingRequests(r.Context(), category, limit)
	if err != nil {
		s.fail(w, r, "queue", err)
		return
	}
	if pending == nil {
		pending = []model.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type scheduleResp struct {
	ResourceID string          `json:"resource_id"`
	Date       string          `json:"date"`
	Bookings   []model.Booking `json:"bookings"`
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// GET /v1/resources?category={category}
	// GET /v1/resources/{id}/schedule?date=YYYY-MM-DD
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/resources"), "/")
	if path == "" {
		s.handleListResources(w, r)
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "schedule" {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}

	day, err := model.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	sched, err := s.store.SelectDaySchedule(r.Context(), parts[0], day)
	if err != nil {
		s.fail(w, r, "schedule", err)
		return
	}
	if sched == nil {
		sched = []model.Booking{}
	}
	writeJSON(w, http.StatusOK, scheduleResp{
		ResourceID: parts[0],
		Date:       day.Format(model.DateLayout),
		Bookings:   sched,
	})
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if !s.categories[category] {
		writeErr(w, http.StatusBadRequest, "unknown category")
		return
	}
	rs, err := s.store.SelectResourcesByCategory(r.Context(), category)
	if err != nil {
		s.fail(w, r, "resources", err)
		return
	}
	if rs == nil {
		rs = []model.Resource{}
	}
	writeJSON(w, http.StatusOK, rs)
}

type claimResp struct {
	RequestID string `json:"request_id"`
	Claimed   bool   `json:"claimed"`
	WorkerID  string `json:"worker_id,omitempty"`
	ClaimedAt string `json:"claimed_at,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/claims/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}
	c, err := s.store.SelectClaim(r.Context(), id)
	if err != nil {
		s.fail(w, r, "claim", err)
		return
	}
	out := claimResp{RequestID: id}
	if c != nil {
		out.Claimed = true
		out.WorkerID = c.WorkerID
		out.ClaimedAt = c.ClaimedAt.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	s.logger.Error(map[string]interface{}{
		"op":     op,
		"req_id": requestID(r.Context()),
		"error":  err,
	})
	writeErr(w, status, err.Error())
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
