// internal/catalog/handler.go
package catalog

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"librastock/internal/domain"
	"librastock/internal/httpx"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the read endpoints for books and shelves.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/books/{id}", h.HandleGetBook)
	r.Get("/books/{id}/history", h.HandleHistory)
	r.Get("/shelves", h.HandleListShelves)
	r.Get("/shelves/utilization", h.HandleUtilization)
	r.Get("/shelves/capacity", h.HandleCapacity)
	r.Get("/shelves/{id}", h.HandleGetShelf)
	r.Get("/shelves/{id}/history", h.HandleHistory)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleGetShelf(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	shelf, err := h.service.GetShelf(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, shelf)
}

func (h *Handler) HandleListShelves(w http.ResponseWriter, r *http.Request) {
	shelves, err := h.service.ListShelves(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if shelves == nil {
		shelves = []*domain.Shelf{}
	}
	httpx.WriteJSON(w, http.StatusOK, shelves)
}

func (h *Handler) HandleUtilization(w http.ResponseWriter, r *http.Request) {
	minAvailable := 0
	if raw := r.URL.Query().Get("min_available"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			var p domain.Problems
			p.Addf("min_available must be a non-negative integer")
			httpx.WriteError(w, p.Err())
			return
		}
		minAvailable = n
	}
	rows, err := h.service.Utilization(r.Context(), minAvailable)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rows)
}

func (h *Handler) HandleCapacity(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Capacity(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	httpx.WriteJSON(w, http.StatusOK, events)
}
