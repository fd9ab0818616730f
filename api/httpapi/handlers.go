package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/flexiblepower/defpi-core-sub002/internal/scheduler"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

// writeStoreErr maps scheduler and store errors onto HTTP statuses.
func (s *Server) writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, change.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", "change not found")
	case errors.Is(err, change.ErrUnknownKind),
		errors.Is(err, change.ErrInvalidChange),
		errors.Is(err, change.ErrInvalidQuery):
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, change.ErrClaimed):
		writeErr(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, scheduler.ErrNoAttemptHistory):
		writeErr(w, http.StatusNotImplemented, "not_implemented", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseChangeID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid change id")
		return uuid.Nil, false
	}
	return id, true
}

// submitChangeRequest takes durations as strings such as "30s". A positive
// retry_interval overrides the interval of the kind.
type submitChangeRequest struct {
	Kind          string          `json:"kind"`
	Params        json.RawMessage `json:"params"`
	Delay         string          `json:"delay,omitempty"`
	RetryInterval string          `json:"retry_interval,omitempty"`
	OwnerID       string          `json:"owner_id,omitempty"`
}

type changeResponse struct {
	Change change.PendingChange `json:"change"`
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, errors.New(field + " must be a non-negative duration such as 30s")
	}
	return d, nil
}

func (s *Server) handleSubmitChange(w http.ResponseWriter, r *http.Request) {
	var req submitChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Kind == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "kind is required")
		return
	}
	observability.Annotate(r.Context(), "change_kind", req.Kind)

	delay, err := parseDuration("delay", req.Delay)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	interval, err := parseDuration("retry_interval", req.RetryInterval)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	c, err := s.registry.New(req.Kind, req.Params)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}

	rec, err := s.manager.Submit(r.Context(), c, change.Schedule{
		Delay:         delay,
		RetryInterval: interval,
		OwnerID:       req.OwnerID,
	})
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	observability.Annotate(r.Context(), "change_id", rec.ID.String())

	writeJSON(w, http.StatusCreated, changeResponse{Change: *rec})
}

func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	id, ok := parseChangeID(w, r)
	if !ok {
		return
	}

	p, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	observability.Annotate(r.Context(), "change_kind", p.Kind)
	observability.Annotate(r.Context(), "change_state", string(p.State))

	writeJSON(w, http.StatusOK, changeResponse{Change: *p})
}

func (s *Server) handleDeleteChange(w http.ResponseWriter, r *http.Request) {
	id, ok := parseChangeID(w, r)
	if !ok {
		return
	}

	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func filterFromQuery(r *http.Request) change.Filter {
	qp := r.URL.Query()
	f := change.Filter{}
	for _, k := range []string{change.FilterKind, change.FilterState, change.FilterOwnerID, change.FilterResource} {
		if v := qp.Get(k); v != "" {
			f[k] = v
		}
	}
	return f
}

func positiveInt(qp map[string][]string, key string, def, max int) (int, error) {
	vs := qp[key]
	if len(vs) == 0 || vs[0] == "" {
		return def, nil
	}
	n, err := strconv.Atoi(vs[0])
	if err != nil || n < 1 || n > max {
		return 0, errors.New(key + " must be 1.." + strconv.Itoa(max))
	}
	return n, nil
}

type listChangesResponse struct {
	Items   []change.PendingChange `json:"items"`
	Page    int                    `json:"page"`
	PerPage int                    `json:"per_page"`
	Total   int                    `json:"total"`
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()

	page, err := positiveInt(qp, "page", 1, 1<<20)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	perPage, err := positiveInt(qp, "per_page", change.DefaultPerPage, change.MaxPerPage)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	params, err := change.ListParams{
		Page:      page,
		PerPage:   perPage,
		SortDir:   qp.Get("sort_dir"),
		SortField: qp.Get("sort_field"),
		Filter:    filterFromQuery(r),
	}.Normalize()
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}

	items, err := s.manager.List(r.Context(), params)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	total, err := s.manager.Count(r.Context(), params.Filter)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if items == nil {
		items = []change.PendingChange{}
	}

	writeJSON(w, http.StatusOK, listChangesResponse{
		Items:   items,
		Page:    params.Page,
		PerPage: params.PerPage,
		Total:   total,
	})
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleCountChanges(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.Count(r.Context(), filterFromQuery(r))
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

type cleanupResponse struct {
	change.CleanupSummary
	Message string `json:"message"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	sum, err := s.manager.Cleanup(r.Context())
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{CleanupSummary: sum, Message: sum.String()})
}

type locksResponse struct {
	Resources []string `json:"resources"`
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, locksResponse{Resources: s.manager.LockedResources()})
}

type kindsResponse struct {
	Kinds []string `json:"kinds"`
}

func (s *Server) handleListKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, kindsResponse{Kinds: s.registry.Kinds()})
}

type listAttemptsResponse struct {
	Items []change.Attempt `json:"items"`
	Limit int              `json:"limit"`
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := parseChangeID(w, r)
	if !ok {
		return
	}

	limit, err := positiveInt(r.URL.Query(), "limit", 50, 200)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	items, err := s.manager.Attempts(r.Context(), id, limit)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if items == nil {
		items = []change.Attempt{}
	}

	writeJSON(w, http.StatusOK, listAttemptsResponse{
		Items: items,
		Limit: limit,
	})
}
