package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"attacklens/internal/store"
)

// reportListData is the paginated report listing payload.
type reportListData struct {
	Reports    []*store.ReportListItem `json:"reports"`
	Pagination pagination              `json:"pagination"`
}

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q, err := parseReportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}

	items, total, err := s.store.ListReports(r.Context(), *q)
	if err != nil {
		writeFault(w, err)
		return
	}
	if items == nil {
		items = []*store.ReportListItem{}
	}

	totalPages := (total + q.Limit - 1) / q.Limit
	writeData(w, http.StatusOK, reportListData{
		Reports: items,
		Pagination: pagination{
			Page:       q.Page,
			Limit:      q.Limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reportID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REPORT_ID", "report id is not a UUID", nil)
		return
	}

	rep, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if rep == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown report id", nil)
		return
	}
	writeData(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reportID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REPORT_ID", "report id is not a UUID", nil)
		return
	}

	deleted, err := s.store.DeleteReport(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown report id", nil)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// parseReportQuery maps the listing query string onto a store query,
// rejecting malformed values rather than silently ignoring them.
func parseReportQuery(r *http.Request) (*store.ReportQuery, error) {
	q := &store.ReportQuery{Page: 1, Limit: 20}
	values := r.URL.Query()

	var err error
	if q.Page, err = intParam(values.Get("page"), q.Page); err != nil {
		return nil, err
	}
	if q.Limit, err = intParam(values.Get("limit"), q.Limit); err != nil {
		return nil, err
	}
	if q.MinMatches, err = intParam(values.Get("minMatches"), 0); err != nil {
		return nil, err
	}
	if q.DateFrom, err = timeParam(values.Get("dateFrom")); err != nil {
		return nil, err
	}
	if q.DateTo, err = timeParam(values.Get("dateTo")); err != nil {
		return nil, err
	}

	q.URL = values.Get("url")
	q.Techniques = values["techniques"]
	q.Tactics = values["tactics"]

	switch sortBy := values.Get("sortBy"); sortBy {
	case "", "timestamp", "url", "matchCount":
		q.SortBy = sortBy
	default:
		return nil, fmt.Errorf("sortBy must be one of timestamp, url, matchCount")
	}
	switch order := values.Get("sortOrder"); order {
	case "", "asc", "desc":
		q.SortOrder = order
	default:
		return nil, fmt.Errorf("sortOrder must be asc or desc")
	}
	return q, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a valid non-negative integer", raw)
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps and bare dates.
func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%q is not a valid RFC 3339 timestamp or date", raw)
}

