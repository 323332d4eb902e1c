package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/internal/approval"
	"github.com/facturaIA/invoice-pipeline/internal/auth"
	"github.com/facturaIA/invoice-pipeline/internal/db"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

const (
	MaxUploadSize = 10 * 1024 * 1024 // 10MB
	Version       = "3.0.0"
)

// Processor runs and reviews documents.
type Processor interface {
	Process(ctx context.Context, doc models.RawDocument) (*pipeline.Result, error)
	Review(ctx context.Context, tenantID, invoiceID string, to models.ApprovalStatus, actor, note string) (*models.ApprovalDecision, error)
}

// InvoiceReader loads stored invoices and decisions.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, tenantID, invoiceID string) (*models.ParsedInvoice, error)
	GetDecision(ctx context.Context, tenantID, invoiceID string) (*models.ApprovalDecision, error)
}

// CreditAccount reads and funds tenant balances.
type CreditAccount interface {
	Balance(ctx context.Context, tenantID string) (decimal.Decimal, error)
	TopUp(ctx context.Context, tenantID string, amount decimal.Decimal) error
}

// Presigner links to archived raw documents.
type Presigner interface {
	PresignedURL(ctx context.Context, objectPath string) (string, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options wires a Handler. Credits, Archive and Checks are optional.
type Options struct {
	Pipeline       Processor
	Invoices       InvoiceReader
	Credits        CreditAccount
	Archive        Presigner
	Auth           *auth.Authenticator
	Checks         map[string]HealthCheck
	MaxUploadBytes int64
}

// Handler handles HTTP requests for invoice processing
type Handler struct {
	opts    Options
	started time.Time
}

func NewHandler(opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	return &Handler{opts: opts, started: time.Now()}
}

// SetupRoutes configures the HTTP routes. Everything except /health needs
// a tenant token.
func (h *Handler) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	router.Use(accessLog)

	router.HandleFunc("/health", h.Health).Methods("GET")

	router.HandleFunc("/api/documents", h.ProcessDocument).Methods("POST")
	router.HandleFunc("/api/invoices/{id}", h.GetInvoice).Methods("GET")
	router.HandleFunc("/api/invoices/{id}/review", h.ReviewInvoice).Methods("POST")
	router.HandleFunc("/api/credits", h.GetBalance).Methods("GET")
	router.HandleFunc("/api/credits/topup", h.TopUp).Methods("POST")

	return h.opts.Auth.Middleware(router)
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Timestamp string                   `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Memory    MemoryStats              `json:"memory"`
	Services  map[string]ServiceStatus `json:"services,omitempty"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Allocated string `json:"allocated"`
	System    string `json:"system"`
}

// ServiceStatus represents the status of a service dependency
type ServiceStatus struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Health endpoint. Any failing check marks the service degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
	}

	if len(h.opts.Checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp.Services = make(map[string]ServiceStatus, len(h.opts.Checks))
		for name, check := range h.opts.Checks {
			st := ServiceStatus{Available: true}
			if err := check(ctx); err != nil {
				st = ServiceStatus{Error: err.Error()}
				resp.Status = "degraded"
			}
			resp.Services[name] = st
		}
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	h.sendJSON(w, code, resp)
}

// ProcessResponse is returned by POST /api/documents.
type ProcessResponse struct {
	Success       bool             `json:"success"`
	Result        *pipeline.Result `json:"result,omitempty"`
	ArchiveURL    string           `json:"archiveUrl,omitempty"`
	Error         string           `json:"error,omitempty"`
	TotalDuration float64          `json:"totalDuration"`
}

// ProcessDocument accepts a multipart upload ("file" or "image") and runs
// it through the pipeline.
func (h *Handler) ProcessDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	claims, err := auth.GetClaimsFromContext(ctx)
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := h.opts.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d byte limit", limit))
			return
		}
		h.sendError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("image")
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "no file provided (use 'file' or 'image' field)")
			return
		}
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	doc := models.RawDocument{
		ID:         r.FormValue("documentId"),
		TenantID:   claims.TenantID,
		Filename:   header.Filename,
		Content:    content,
		UploadedAt: time.Now().UTC(),
	}
	if mt, ok := models.DetectMediaType(header.Header.Get("Content-Type"), header.Filename, content); ok {
		doc.MediaType = mt
	}

	res, err := h.opts.Pipeline.Process(ctx, doc)
	resp := ProcessResponse{Success: err == nil, Result: res, TotalDuration: time.Since(startTime).Seconds()}
	if res != nil && res.ArchivedAt != "" && h.opts.Archive != nil {
		if u, perr := h.opts.Archive.PresignedURL(ctx, res.ArchivedAt); perr == nil {
			resp.ArchiveURL = u
		}
	}
	if err != nil {
		zap.L().Warn("document processing failed",
			zap.String("tenant_id", claims.TenantID),
			zap.String("filename", header.Filename),
			zap.Error(err),
		)
		resp.Error = err.Error()
		h.sendJSON(w, statusFor(err), resp)
		return
	}
	h.sendJSON(w, http.StatusOK, resp)
}

// GetInvoice returns a stored invoice with its approval decision.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := auth.GetClaimsFromContext(ctx)
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	invoiceID := mux.Vars(r)["id"]
	invoice, err := h.opts.Invoices.GetInvoice(ctx, claims.TenantID, invoiceID)
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	decision, err := h.opts.Invoices.GetDecision(ctx, claims.TenantID, invoiceID)
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"invoice":  invoice,
		"decision": decision,
	})
}

// ReviewRequest is the body of POST /api/invoices/{id}/review.
type ReviewRequest struct {
	Status models.ApprovalStatus `json:"status"`
	Note   string                `json:"note"`
}

// ReviewInvoice applies a reviewer's decision to a pending invoice.
func (h *Handler) ReviewInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := auth.GetClaimsFromContext(ctx)
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor := claims.Email
	if actor == "" {
		actor = claims.UserID
	}
	d, err := h.opts.Pipeline.Review(ctx, claims.TenantID, mux.Vars(r)["id"], req.Status, actor, req.Note)
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"success": true, "decision": d})
}

// GetBalance returns the caller's credit balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.GetClaimsFromContext(r.Context())
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.opts.Credits == nil {
		h.sendError(w, http.StatusServiceUnavailable, "credit ledger not available")
		return
	}

	bal, err := h.opts.Credits.Balance(r.Context(), claims.TenantID)
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"success": true, "tenantId": claims.TenantID, "balance": bal})
}

// TopUpRequest is the body of POST /api/credits/topup.
type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TopUp adds credits to the caller's tenant. Admins only.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := auth.GetClaimsFromContext(ctx)
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.Role != "admin" {
		h.sendError(w, http.StatusForbidden, "admin role required")
		return
	}
	if h.opts.Credits == nil {
		h.sendError(w, http.StatusServiceUnavailable, "credit ledger not available")
		return
	}

	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Amount.IsPositive() {
		h.sendError(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}
	if err := h.opts.Credits.TopUp(ctx, claims.TenantID, req.Amount); err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	bal, err := h.opts.Credits.Balance(ctx, claims.TenantID)
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"success": true, "tenantId": claims.TenantID, "balance": bal})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		invalid    *pipeline.InvalidDocumentError
		exhausted  *pipeline.ExtractionExhaustedError
		transition *approval.InvalidTransitionError
		duplicate  *pipeline.DuplicateDocumentError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &transition), errors.As(err, &duplicate), errors.Is(err, db.ErrDocumentExists):
		return http.StatusConflict
	case errors.As(err, &exhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, map[string]any{"success": false, "error": message})
}
