package seeder

import (
	"context"
	"net/http"

	"github.com/frahmantamala/access-control/internal/transport"
)

type ServiceAPI interface {
	Seed(ctx context.Context) Result
	Clear(ctx context.Context) Result
	Reseed(ctx context.Context) Result
	State() State
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

type StatusResponse struct {
	State State `json:"state"`
}

func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.Service.Seed(r.Context()))
}

func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.Service.Clear(r.Context()))
}

func (h *Handler) Reseed(w http.ResponseWriter, r *http.Request) {
	h.writeResult(w, h.Service.Reseed(r.Context()))
}

func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	h.WriteJSON(w, http.StatusOK, StatusResponse{State: h.Service.State()})
}

// A failed run is still a well-formed answer; 422 tells the client the store
// was left as it was.
func (h *Handler) writeResult(w http.ResponseWriter, result Result) {
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	h.WriteJSON(w, status, result)
}
