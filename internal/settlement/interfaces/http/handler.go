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

	"tradedesk/internal/audit"
	"tradedesk/internal/auth"
	"tradedesk/internal/observability/metrics"
	settlementapp "tradedesk/internal/settlement/application"
	settlement "tradedesk/internal/settlement/domain"
	"tradedesk/internal/settlement/interfaces"
)

// Handler serves gateway receivable and settlement batch endpoints.
type Handler struct {
	settler     *settlementapp.BatchSettler
	auditLogger audit.Logger
	logger      *log.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(settler *settlementapp.BatchSettler, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if settler == nil {
		return nil, errors.New("settlement handler: nil settler")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{settler: settler, auditLogger: auditLogger, logger: logger}, nil
}

// RegisterRoutes mounts the endpoints on an /api/v1 router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/receivables", h.handlePending)
	r.Post("/receivables", h.handleRecord)
	r.Get("/settlements", h.handleList)
	r.Post("/settlements", h.handleSettle)
	r.Get("/settlements/{id}", h.handleGet)
	r.Get("/settlements/{id}/export.pdf", h.handleExportPDF)
	r.Get("/settlements/{id}/export.xlsx", h.handleExportXLSX)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	groups, err := h.settler.Pending(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if groups == nil {
		groups = []settlement.GatewayGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Gateway   string `json:"gateway"`
		Reference string `json:"reference"`
		Amount    string `json:"amount"`
		Currency  string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		http.Error(w, "amount must be a decimal number", http.StatusBadRequest)
		return
	}
	item, err := h.settler.RecordReceivable(r.Context(), settlementapp.ReceivableInput{
		Gateway:   req.Gateway,
		Reference: req.Reference,
		Amount:    amount,
		Currency:  req.Currency,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceivableIDs []string `json:"receivable_ids"`
		BankAccountID string   `json:"bank_account_id"`
		FeeDeduction  string   `json:"fee_deduction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	fee := decimal.Zero
	if raw := strings.TrimSpace(req.FeeDeduction); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			http.Error(w, "fee_deduction must be a decimal number", http.StatusBadRequest)
			return
		}
		fee = parsed
	}
	batch, err := h.settler.Settle(r.Context(), settlementapp.SettleRequest{
		ReceivableIDs: req.ReceivableIDs,
		BankAccountID: strings.TrimSpace(req.BankAccountID),
		FeeDeduction:  fee,
		Actor:         auth.SubjectFromContext(r.Context()),
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch_id":   batch.ID,
		"net_amount": batch.NetAmount,
		"batch":      batch,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	list, err := h.settler.List(r.Context(), limit)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []settlement.Batch{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	batch, members, err := h.settler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	resp := struct {
		Batch       *settlement.Batch       `json:"batch"`
		Receivables []settlement.Receivable `json:"receivables"`
	}{Batch: batch, Receivables: members}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, "pdf", "application/pdf", interfaces.BuildBatchStatementPDF)
}

func (h *Handler) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	h.export(w, r, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", interfaces.BuildBatchStatementXLSX)
}

type statementBuilder func(*settlement.Batch, []settlement.Receivable) ([]byte, error)

func (h *Handler) export(w http.ResponseWriter, r *http.Request, format, contentType string, build statementBuilder) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveStatementExport(format, result, time.Since(start))
	}()

	batch, members, err := h.settler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		result = metrics.ResultError
		h.respondServiceError(w, err)
		return
	}
	data, err := build(batch, members)
	if err != nil {
		result = metrics.ResultError
		h.logger.Printf("settlement export failed: batch=%s format=%s err=%v", batch.ID, format, err)
		http.Error(w, "export "+format+" error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="settlement-`+batch.ID+`.`+format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	h.logAudit(r, batch.ID, "settlement.export", map[string]any{"format": format})
}

func (h *Handler) logAudit(r *http.Request, batchID, action string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		DeskID:       auth.DeskIDFromContext(r.Context()),
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "settlement_batch",
		ResourceID:   batchID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrBatchNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrReceivableSettled):
		http.Error(w, err.Error(), http.StatusConflict)
	case settlement.IsInvalidBatch(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Printf("settlement handler error: %v", err)
		http.Error(w, "settlement failed, nothing was applied; retry", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
