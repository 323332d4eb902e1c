package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/resilience"
)

type fakeProvider struct {
	answer string
	err    error
	got    Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, req Request) (string, error) {
	f.got = req
	return f.answer, f.err
}

type fixedText string

func (s fixedText) Text(context.Context, []byte) (string, error) { return string(s), nil }

func TestService_ParsePDF(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{answer: modelAnswer}
	svc := NewService(fixedText("RFC Emisor: EKU9003173C9")).Register(models.TierCloudCostEffective, p)

	doc := models.RawDocument{ID: "doc-1", TenantID: "t1", MediaType: models.MediaPDF, Content: []byte("%PDF-1.4")}
	a, err := svc.Parse(context.Background(), doc, models.TierCloudCostEffective)
	require.NoError(t, err)

	assert.Equal(t, "EKU9003173C9", a.Value(models.FieldIssuerTaxID))
	assert.Equal(t, "application/pdf", p.got.MIMEType)
	assert.Equal(t, "RFC Emisor: EKU9003173C9", p.got.Text)
	assert.Equal(t, systemPrompt, p.got.System)
	assert.True(t, svc.Has(models.TierCloudCostEffective))
	assert.False(t, svc.Has(models.TierCloudAgentic))
}

func TestService_XMLUsesRawContent(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{answer: `{"fields": {}}`}
	svc := NewService(nil).Register(models.TierCloudAgentic, p)

	doc := models.RawDocument{ID: "doc-2", MediaType: models.MediaXML, Content: []byte("<broken")}
	_, err := svc.Parse(context.Background(), doc, models.TierCloudAgentic)
	require.NoError(t, err)
	assert.Equal(t, "<broken", p.got.Text)
	assert.Equal(t, "application/xml", p.got.MIMEType)
}

func TestService_UnregisteredTier(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil).Parse(context.Background(), models.RawDocument{}, models.TierCloudAgentic)
	require.Error(t, err)
}

func TestService_ProviderErrorPassesThrough(t *testing.T) {
	t.Parallel()

	boom := resilience.NewTransientError(errors.New("503"), 503)
	svc := NewService(nil).Register(models.TierCloudCostEffective, &fakeProvider{err: boom})

	_, err := svc.Parse(context.Background(), models.RawDocument{MediaType: models.MediaXML, Content: []byte("<a/>")}, models.TierCloudCostEffective)
	assert.True(t, resilience.IsTransient(err))
}

func chatCompletion(content string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
}

func TestOpenAIProvider_Complete(t *testing.T) {
	t.Parallel()

	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletion(`{"fields": {}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL, "", srv.Client())
	out, err := p.Complete(context.Background(), Request{System: "sys", Prompt: "extrae", Text: "Total: 116.00"})
	require.NoError(t, err)
	assert.Equal(t, `{"fields": {}}`, out)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	format, _ := body["response_format"].(map[string]interface{})
	assert.Equal(t, "json_object", format["type"])
	msgs, _ := body["messages"].([]interface{})
	require.Len(t, msgs, 2)
	user, _ := msgs[1].(map[string]interface{})
	assert.True(t, strings.HasSuffix(user["content"].(string), "Total: 116.00"))
}

func TestOpenAIProvider_ClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "test", "code": "test"}}`))
			}))
			defer srv.Close()

			p := NewOpenAIProvider("sk-test", srv.URL, "m", srv.Client())
			_, err := p.Complete(context.Background(), Request{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.transient, resilience.IsTransient(err))
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestOpenAIProvider_NoTextLayer(t *testing.T) {
	t.Parallel()

	p := NewOpenAIProvider("sk-test", "http://127.0.0.1:1", "m", nil)
	_, err := p.Complete(context.Background(), Request{Document: []byte("%PDF-1.4")})
	assert.ErrorIs(t, err, ErrNoText)
}

func TestClassifyGemini(t *testing.T) {
	t.Parallel()

	assert.True(t, resilience.IsTransient(classifyGemini(&googleapi.Error{Code: 503})))
	assert.True(t, resilience.IsTransient(classifyGemini(&googleapi.Error{Code: 429})))
	assert.False(t, resilience.IsTransient(classifyGemini(&googleapi.Error{Code: 400})))
	assert.False(t, resilience.IsTransient(classifyGemini(errors.New("safety block"))))
}
