// internal/circulation/handler.go
package circulation

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"librastock/internal/domain"
	"librastock/internal/httpx"
)

type Handler struct {
	service Service
	clock   domain.Clock
}

func NewHandler(service Service, clock domain.Clock) *Handler {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Handler{service: service, clock: clock}
}

// Routes registers the write endpoints for loans, books and shelves.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/loans", h.HandleCreateLoan)
	r.Get("/loans/{id}", h.HandleGetLoan)
	r.Post("/loans/{id}/return", h.HandleReturn)
	r.Post("/loans/{id}/lost", h.HandleReportLost)
	r.Post("/loans/{id}/renew", h.HandleRenew)

	r.Post("/books", h.HandleAddBook)
	r.Delete("/books/{id}", h.HandleRemoveBook)
	r.Put("/books/{id}/shelf", h.HandleAssignShelf)
	r.Put("/books/{id}/type", h.HandleChangeType)
	r.Put("/books/{id}/maintenance", h.HandleMaintenance)

	r.Post("/shelves", h.HandleAddShelf)
}

// AdminRoutes registers the operator endpoints.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Post("/sweep", h.HandleSweep)
	r.Get("/drift", h.HandleDrift)
	r.Post("/repair", h.HandleRepair)
}

func (h *Handler) HandleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	loan, err := h.service.CreateLoan(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	loan, err := h.service.Loan(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req returnRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	loan, err := h.service.ReturnBook(r.Context(), id, req.ReturnDate)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleReportLost(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	loan, err := h.service.ReportLost(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req renewRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.DueDate.IsZero() {
		var p domain.Problems
		p.Addf("due_date is required")
		httpx.WriteError(w, p.Err())
		return
	}
	loan, err := h.service.RenewLoan(r.Context(), id, req.DueDate)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var req domain.NewBook
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleRemoveBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := h.service.RemoveBook(r.Context(), id); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleAssignShelf(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req assignRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	book, err := h.service.AssignShelf(r.Context(), id, req.ShelfID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleChangeType(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req ChangeTypeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	book, err := h.service.ChangeBookType(r.Context(), id, req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req maintenanceRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	book, err := h.service.SetMaintenance(r.Context(), id, req.Maintenance)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleAddShelf(w http.ResponseWriter, r *http.Request) {
	var req domain.NewShelf
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	shelf, err := h.service.AddShelf(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, shelf)
}

func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	asOf := domain.Today(h.clock)
	if req.AsOf != nil {
		asOf = domain.Day(*req.AsOf)
	}
	n, err := h.service.SweepOverdue(r.Context(), asOf)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepResponse{AsOf: asOf, Marked: n})
}

func (h *Handler) HandleDrift(w http.ResponseWriter, r *http.Request) {
	drift, err := h.service.FindDrift(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, drift)
}

func (h *Handler) HandleRepair(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RepairShelfCounts(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}
