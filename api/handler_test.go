package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/invoice-pipeline/internal/approval"
	"github.com/facturaIA/invoice-pipeline/internal/auth"
	"github.com/facturaIA/invoice-pipeline/internal/db"
	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeProcessor struct {
	machine *approval.Machine
	res     *pipeline.Result
	err     error
	got     models.RawDocument
}

func (f *fakeProcessor) Process(_ context.Context, doc models.RawDocument) (*pipeline.Result, error) {
	f.got = doc
	return f.res, f.err
}

func (f *fakeProcessor) Review(ctx context.Context, tenantID, invoiceID string, to models.ApprovalStatus, actor, note string) (*models.ApprovalDecision, error) {
	return f.machine.Review(ctx, tenantID, invoiceID, to, actor, note)
}

type fakeCredits struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func (f *fakeCredits) Balance(_ context.Context, tenantID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[tenantID], nil
}

func (f *fakeCredits) TopUp(_ context.Context, tenantID string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[tenantID] = f.balances[tenantID].Add(amount)
	return nil
}

type fakePresigner struct{}

func (fakePresigner) PresignedURL(_ context.Context, path string) (string, error) {
	return "https://minio.local/" + path + "?sig=1", nil
}

type testServer struct {
	handler http.Handler
	proc    *fakeProcessor
	store   *db.MemoryStore
	credits *fakeCredits
	auth    *auth.Authenticator
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	a, err := auth.New(testSecret, "/health")
	require.NoError(t, err)

	store := db.NewMemoryStore()
	proc := &fakeProcessor{machine: approval.NewMachine(0.9, store)}
	cr := &fakeCredits{balances: map[string]decimal.Decimal{}}
	h := NewHandler(Options{
		Pipeline: proc,
		Invoices: store,
		Credits:  cr,
		Archive:  fakePresigner{},
		Auth:     a,
		Checks:   checks,
	})
	return &testServer{handler: h.SetupRoutes(), proc: proc, store: store, credits: cr, auth: a}
}

func (s *testServer) token(t *testing.T, tenant, role string) string {
	t.Helper()
	tok, err := s.auth.GenerateToken("u-1", "ana@"+tenant+".mx", tenant, "", role)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("documentId", "doc-1"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func savePending(t *testing.T, store *db.MemoryStore, tenant, id string) {
	t.Helper()
	inv := &models.ParsedInvoice{TenantID: tenant, DocumentID: id, IssuerTaxID: "EKU9003173C9", Total: decimal.NewFromInt(116)}
	d := &models.ApprovalDecision{TenantID: tenant, InvoiceID: id, Status: models.StatusPendingReview, DecidedAt: time.Now()}
	require.NoError(t, store.SaveInvoice(context.Background(), inv, nil, d))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestHealth_Degraded(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, map[string]HealthCheck{
		"storage": func(context.Context) error { return errors.New("bucket missing") },
	})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestProcessDocument_RequiresToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	rec := s.do(uploadRequest(t, "file", "factura.xml", []byte("<cfdi/>")), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProcessDocument(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	s.proc.res = &pipeline.Result{
		Invoice:    &models.ParsedInvoice{DocumentID: "doc-1", WinningTier: models.TierXMLLocal, Confidence: 1},
		Decision:   &models.ApprovalDecision{InvoiceID: "doc-1", Status: models.StatusApproved},
		ArchivedAt: "facturas/acme/2026/10/doc-1.xml",
	}

	rec := s.do(uploadRequest(t, "file", "factura.xml", []byte(`<?xml version="1.0"?><cfdi:Comprobante/>`)), s.token(t, "acme", ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "https://minio.local/facturas/acme/2026/10/doc-1.xml?sig=1", body["archiveUrl"])

	assert.Equal(t, "acme", s.proc.got.TenantID)
	assert.Equal(t, "doc-1", s.proc.got.ID)
	assert.Equal(t, models.MediaXML, s.proc.got.MediaType)
	assert.Equal(t, "factura.xml", s.proc.got.Filename)
}

func TestProcessDocument_ImageFieldAlias(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	s.proc.res = &pipeline.Result{}

	rec := s.do(uploadRequest(t, "image", "scan.pdf", []byte("%PDF-1.7")), s.token(t, "acme", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MediaPDF, s.proc.got.MediaType)
}

func TestProcessDocument_NoFile(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	rec := s.do(uploadRequest(t, "attachment", "x.pdf", []byte("%PDF")), s.token(t, "acme", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessDocument_ErrorStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid document", &pipeline.InvalidDocumentError{Reason: "empty content"}, http.StatusBadRequest},
		{"exhausted", &pipeline.ExtractionExhaustedError{DocumentID: "doc-1"}, http.StatusUnprocessableEntity},
		{"resubmitted", &pipeline.DuplicateDocumentError{TenantID: "acme", DocumentID: "doc-1"}, http.StatusConflict},
		{"saved concurrently", eris.Wrap(db.ErrDocumentExists, "invoice doc-1"), http.StatusConflict},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, nil)
			s.proc.err = tt.err

			rec := s.do(uploadRequest(t, "file", "f.pdf", []byte("%PDF-1.7")), s.token(t, "acme", ""))
			assert.Equal(t, tt.want, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestGetInvoice(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	savePending(t, s.store, "acme", "doc-1")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/invoices/doc-1", nil), s.token(t, "acme", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "PENDING_REVIEW", body["decision"].(map[string]any)["status"])

	// Another tenant cannot see it.
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/invoices/doc-1", nil), s.token(t, "other", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewInvoice(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	savePending(t, s.store, "acme", "doc-1")
	tok := s.token(t, "acme", "")

	review := func(status string) *httptest.ResponseRecorder {
		body := strings.NewReader(`{"status":"` + status + `","note":"ok"}`)
		return s.do(httptest.NewRequest(http.MethodPost, "/api/invoices/doc-1/review", body), tok)
	}

	rec := review("APPROVED")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d, err := s.store.GetDecision(context.Background(), "acme", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, d.Status)
	assert.Equal(t, "ana@acme.mx", d.Transitions[len(d.Transitions)-1].Actor)

	assert.Equal(t, http.StatusOK, review("APPROVED").Code)
	assert.Equal(t, http.StatusConflict, review("REJECTED").Code)

	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/invoices/missing/review", strings.NewReader(`{"status":"APPROVED"}`)), tok)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/invoices/doc-1/review", strings.NewReader(`{`)), tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredits(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/credits/topup", strings.NewReader(`{"amount":"10"}`)), s.token(t, "acme", ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := s.token(t, "acme", "admin")
	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/credits/topup", strings.NewReader(`{"amount":"-1"}`)), admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/credits/topup", strings.NewReader(`{"amount":"10"}`)), admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/credits", nil), s.token(t, "acme", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", decode(t, rec)["balance"])
}

func TestProcessDocument_TooLarge(t *testing.T) {
	t.Parallel()
	a, err := auth.New(testSecret)
	require.NoError(t, err)
	proc := &fakeProcessor{res: &pipeline.Result{}}
	h := NewHandler(Options{Pipeline: proc, Invoices: db.NewMemoryStore(), Auth: a, MaxUploadBytes: 1024}).SetupRoutes()

	tok, err := a.GenerateToken("u-1", "", "acme", "", "")
	require.NoError(t, err)
	req := uploadRequest(t, "file", "big.pdf", bytes.Repeat([]byte("x"), 4096))
	req.Header.Set("Authorization", "Bearer "+tok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, proc.got.TenantID)
}
