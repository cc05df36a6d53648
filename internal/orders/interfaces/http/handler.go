package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tradedesk/internal/auth"
	orderapp "tradedesk/internal/orders/application"
	orders "tradedesk/internal/orders/domain"
)

// Handler provides buy-order HTTP endpoints.
type Handler struct {
	service *orderapp.Service
	logger  *log.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *orderapp.Service, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("orders handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, logger: logger}, nil
}

// RegisterRoutes mounts the endpoints on an /api/v1 router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/payout", h.handlePayout)
	r.Get("/orders", h.handleList)
	r.Post("/orders", h.handleCreate)
	r.Get("/orders/{id}", h.handleGet)
	r.Get("/orders/{id}/transition", h.handlePreview)
	r.Post("/orders/{id}/advance", h.handleAdvance)
	r.Post("/orders/{id}/cancel", h.handleCancel)
	r.Post("/orders/{id}/payments", h.handlePayment)
	r.Post("/orders/{id}/settle", h.handleRetryCompletion)
}

type createOrderRequest struct {
	OrderNumber      string         `json:"order_number"`
	Asset            string         `json:"asset"`
	Quantity         string         `json:"quantity"`
	UnitPrice        string         `json:"unit_price"`
	GrossAmount      string         `json:"gross_amount"`
	PlatformFee      string         `json:"platform_fee"`
	WalletID         string         `json:"wallet_id"`
	TaxCategory      string         `json:"tax_category"`
	PaymentChannel   string         `json:"payment_channel"`
	Banking          orders.Banking `json:"banking"`
	ExpiresAt        string         `json:"expires_at"`
	FundingAccountID string         `json:"funding_account_id"`
	PayerID          string         `json:"payer_id"`
}

type advanceRequest struct {
	Target           string          `json:"target"`
	Banking          *orders.Banking `json:"banking"`
	TaxCategory      *string         `json:"tax_category"`
	TimerMinutes     int             `json:"timer_minutes"`
	FundingAccountID string          `json:"funding_account_id"`
	SkipForNow       bool            `json:"skip_for_now"`
}

type paymentRequest struct {
	Amount string `json:"amount"`
}

func (h *Handler) handlePayout(w http.ResponseWriter, r *http.Request) {
	gross, err := parseDecimal(r.URL.Query().Get("gross"), "gross")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	category := orders.TaxCategory(r.URL.Query().Get("category"))
	writeJSON(w, http.StatusOK, orders.ComputePayout(gross, category))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := orders.ListFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := orders.ParseStatus(raw)
		if err != nil {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	draft, err := req.toDraft()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	order, err := h.service.Create(r.Context(), draft, actorFrom(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var target orders.Status
	if raw := r.URL.Query().Get("target"); raw != "" {
		status, err := orders.ParseStatus(raw)
		if err != nil {
			http.Error(w, "invalid target", http.StatusBadRequest)
			return
		}
		target = status
	}
	preview, err := h.service.Preview(r.Context(), chi.URLParam(r, "id"), target, actorFrom(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	in := orderapp.AdvanceRequest{
		OrderID:          chi.URLParam(r, "id"),
		Actor:            actorFrom(r),
		Banking:          req.Banking,
		TimerMinutes:     req.TimerMinutes,
		FundingAccountID: strings.TrimSpace(req.FundingAccountID),
		SkipForNow:       req.SkipForNow,
	}
	if req.Target != "" {
		status, err := orders.ParseStatus(req.Target)
		if err != nil {
			http.Error(w, "invalid target", http.StatusBadRequest)
			return
		}
		in.Target = status
	}
	if req.TaxCategory != nil {
		category := orders.TaxCategory(*req.TaxCategory)
		in.TaxCategory = &category
	}
	result, err := h.service.Advance(r.Context(), in)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	amount, err := parseDecimal(req.Amount, "amount")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	order, err := h.service.RecordPayment(r.Context(), chi.URLParam(r, "id"), amount, actorFrom(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleRetryCompletion(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RetryCompletion(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (req createOrderRequest) toDraft() (orders.Draft, error) {
	draft := orders.Draft{
		OrderNumber:      req.OrderNumber,
		Asset:            req.Asset,
		WalletID:         req.WalletID,
		TaxCategory:      orders.TaxCategory(req.TaxCategory),
		Channel:          orders.PaymentChannel(req.PaymentChannel),
		Banking:          req.Banking,
		FundingAccountID: req.FundingAccountID,
		PayerID:          req.PayerID,
	}
	var err error
	if draft.Quantity, err = parseOptionalDecimal(req.Quantity, "quantity"); err != nil {
		return draft, err
	}
	if draft.UnitPrice, err = parseOptionalDecimal(req.UnitPrice, "unit_price"); err != nil {
		return draft, err
	}
	if draft.GrossAmount, err = parseOptionalDecimal(req.GrossAmount, "gross_amount"); err != nil {
		return draft, err
	}
	if draft.PlatformFee, err = parseOptionalDecimal(req.PlatformFee, "platform_fee"); err != nil {
		return draft, err
	}
	if req.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return draft, errors.New("expires_at must be RFC3339")
		}
		draft.ExpiresAt = &expires
	}
	return draft, nil
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var validation *orders.ValidationError
	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Error(), http.StatusBadRequest)
	case errors.Is(err, orders.ErrOrderNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, orders.ErrOrderNumberTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, orders.ErrNotPayable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, orders.ErrStatusConflict):
		http.Error(w, "order changed, reload and retry", http.StatusConflict)
	case errors.Is(err, orders.ErrNotPermitted):
		http.Error(w, "forbidden", http.StatusForbidden)
	case orders.IsExternal(err):
		h.logger.Printf("orders handler external error: %v", err)
		http.Error(w, "upstream failure, retry", http.StatusBadGateway)
	default:
		h.logger.Printf("orders handler error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func actorFrom(r *http.Request) orders.Actor {
	role, _ := orders.ParseDeskRole(string(auth.RoleFromContext(r.Context())))
	return orders.Actor{Subject: auth.SubjectFromContext(r.Context()), Role: role}
}

func parseDecimal(raw, name string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, errors.New(name + " is required")
	}
	return parseOptionalDecimal(raw, name)
}

func parseOptionalDecimal(raw, name string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.New(name + " must be a decimal number")
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
