package audit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/frahmantamala/access-control/internal"
	"github.com/frahmantamala/access-control/internal/transport"
)

type ServiceAPI interface {
	List(ctx context.Context, filter Filter) (Page, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, svc ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     svc,
	}
}

// ListEntries serves GET /audit.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	page, err := h.Service.List(r.Context(), filter)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, page)
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	filter := Filter{
		Actor:  q.Get("actor"),
		Action: q.Get("action"),
		Entity: q.Get("entity"),
		Target: q.Get("target"),
		Type:   EntryType(q.Get("type")),
	}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Filter{}, internal.NewValidationFieldError("page", "page must be a positive integer", internal.ErrCodeValidationFailed)
		}
		filter.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Filter{}, internal.NewValidationFieldError("page_size", "page_size must be a positive integer", internal.ErrCodeValidationFailed)
		}
		filter.PageSize = n
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Filter{}, internal.NewValidationFieldError("from", "from must be an RFC3339 timestamp", internal.ErrCodeValidationFailed)
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Filter{}, internal.NewValidationFieldError("to", "to must be an RFC3339 timestamp", internal.ErrCodeValidationFailed)
		}
		filter.To = &t
	}
	switch filter.Type {
	case "", TypeAccess, TypeMutation, TypeSeed:
	default:
		return Filter{}, internal.NewValidationFieldError("type", "type must be one of access, mutation, seed", internal.ErrCodeValidationFailed)
	}

	return filter, nil
}
