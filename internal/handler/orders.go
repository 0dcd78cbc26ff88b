package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/middleware"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/service"
	"github.com/go-chi/chi/v5"
)

// Upper bound for a proof-of-delivery upload, multipart overhead included.
const maxProofSize = 10 << 20

// --- Interfaces ---

// OrderServicer defines the service methods the handler needs.
// Satisfied by *service.OrderService.
type OrderServicer interface {
	Get(ctx context.Context, actor service.Actor, id string) (*order.Order, error)
	List(ctx context.Context, actor service.Actor) ([]*order.Order, error)
	UpdateStatus(ctx context.Context, actor service.Actor, id string, next order.Status) (*order.Order, error)
	UpdateDelivery(ctx context.Context, actor service.Actor, id, deliveryStatus string, proof *service.Proof) (*order.Order, error)
	Rate(ctx context.Context, actor service.Actor, id string, rating int, comment string) (*order.Order, error)
	RequestRefund(ctx context.Context, actor service.Actor, r service.Refund) error
}

// --- Handler ---

// OrderHandler serves the order endpoints used by the dashboards.
type OrderHandler struct {
	svc OrderServicer
	log *slog.Logger
}

func NewOrderHandler(svc OrderServicer, log *slog.Logger) *OrderHandler {
	return &OrderHandler{svc: svc, log: log.With("component", "order-handler")}
}

// RegisterRoutes registers order endpoints on the given Chi router.
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}/status", h.UpdateStatus)
	r.Post("/{id}/rate", h.Rate)
	r.Post("/{id}/refunds", h.RequestRefund)
}

// RegisterStaffRoutes registers the delivery endpoints. Callers mount them
// behind RequireRole("STAFF").
func (h *OrderHandler) RegisterStaffRoutes(r chi.Router) {
	r.Put("/{id}/status", h.UpdateDelivery)
}

// --- Request/Response types ---

type orderListResponse struct {
	Orders []*order.Order `json:"orders"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type rateRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// --- Handlers ---

// List handles GET /orders.
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	orders, err := h.svc.List(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	writeJSON(w, http.StatusOK, orderListResponse{Orders: orders})
}

// Get handles GET /orders/{id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	o, err := h.svc.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// UpdateStatus handles PATCH /orders/{id}/status.
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}
	next, valid := order.ParseStatus(req.Status)
	if !valid {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status"})
		return
	}

	updated, err := h.svc.UpdateStatus(r.Context(), actor, chi.URLParam(r, "id"), next)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// UpdateDelivery handles the multipart PUT /staff/deliveries/{id}/status
// with fields delivery_status and, for delivered, proof_image.
func (h *OrderHandler) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxProofSize)
	if err := r.ParseMultipartForm(maxProofSize); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	deliveryStatus := r.FormValue("delivery_status")
	if deliveryStatus != enum.DeliveryPickedUp && deliveryStatus != enum.DeliveryDelivered {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "delivery_status must be picked-up or delivered"})
		return
	}

	var proof *service.Proof
	file, header, err := r.FormFile("proof_image")
	switch {
	case err == nil:
		defer file.Close()
		proof = proofFrom(file, header)
	case errors.Is(err, http.ErrMissingFile):
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid proof_image"})
		return
	}

	updated, err := h.svc.UpdateDelivery(r.Context(), actor, chi.URLParam(r, "id"), deliveryStatus, proof)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Rate handles POST /orders/{id}/rate.
func (h *OrderHandler) Rate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	updated, err := h.svc.Rate(r.Context(), actor, chi.URLParam(r, "id"), req.Rating, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// RequestRefund handles POST /orders/{id}/refunds. Besides issue and
// description the body may carry issue-specific string fields.
func (h *OrderHandler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	refund := service.Refund{
		OrderID:     chi.URLParam(r, "id"),
		Issue:       strings.TrimSpace(body["issue"]),
		Description: strings.TrimSpace(body["description"]),
		Details:     make(map[string]string),
	}
	if refund.Issue == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "issue is required"})
		return
	}
	for k, v := range body {
		if k != "issue" && k != "description" {
			refund.Details[k] = v
		}
	}

	if err := h.svc.RequestRefund(r.Context(), actor, refund); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "submitted"})
}

// --- Helpers ---

func actorFrom(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return service.Actor{}, false
	}
	return service.Actor{ID: claims.UserID, Role: claims.Role}, true
}

func proofFrom(file multipart.File, header *multipart.FileHeader) *service.Proof {
	return &service.Proof{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	}
}

// writeError maps service errors to HTTP status codes.
func (h *OrderHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
	case errors.Is(err, service.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrConflict),
		errors.Is(err, order.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, order.ErrUnknownStatus),
		errors.Is(err, service.ErrProofRequired),
		errors.Is(err, service.ErrInvalidRating),
		errors.Is(err, service.ErrCommentTooLong),
		errors.Is(err, service.ErrInvalidIssue):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrNotRateable),
		errors.Is(err, service.ErrNotRefundable):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		h.log.Error("order request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
