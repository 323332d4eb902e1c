package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetDecision(ctx context.Context, tenantID, invoiceID string) (*models.ApprovalDecision, error) {
	args := m.Called(ctx, tenantID, invoiceID)
	d, _ := args.Get(0).(*models.ApprovalDecision)
	return d, args.Error(1)
}

func (m *mockStore) TransitionDecision(ctx context.Context, tenantID, invoiceID string, t models.Transition) (bool, error) {
	args := m.Called(ctx, tenantID, invoiceID, t.From, t.To)
	return args.Bool(0), args.Error(1)
}

func inv(conf float64) *models.ParsedInvoice {
	return &models.ParsedInvoice{TenantID: "t1", DocumentID: "doc-1", Confidence: conf}
}

var warning = models.AnomalyFinding{Kind: models.AnomalyDuplicateFolio, Severity: models.SeverityWarning}
var blocking = models.AnomalyFinding{Kind: models.AnomalyBlacklisted, Severity: models.SeverityBlocking}

func TestDecide(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		conf     float64
		findings []models.AnomalyFinding
		want     models.ApprovalStatus
	}{
		{"at threshold", 0.90, nil, models.StatusApproved},
		{"just below", 0.899, nil, models.StatusPendingReview},
		{"perfect with warning", 1.0, []models.AnomalyFinding{warning}, models.StatusPendingReview},
		{"blocking wins", 1.0, []models.AnomalyFinding{warning, blocking}, models.StatusRejected},
		{"blocking at low confidence", 0.1, []models.AnomalyFinding{blocking}, models.StatusRejected},
		{"info still needs review", 0.95, []models.AnomalyFinding{{Kind: models.AnomalyOther, Severity: models.SeverityInfo}}, models.StatusPendingReview},
	}
	m := NewMachine(0.9, nil)
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := m.Decide(inv(tc.conf), tc.findings)
			assert.Equal(t, tc.want, d.Status)
			assert.Equal(t, "doc-1", d.InvoiceID)
			require.Len(t, d.Transitions, 1)
			assert.Equal(t, SystemActor, d.Transitions[0].Actor)
			assert.NotNil(t, d.Findings)
		})
	}
}

func TestHoldForCredits(t *testing.T) {
	t.Parallel()

	m := NewMachine(0.9, nil)

	approved := m.Decide(inv(0.97), nil)
	m.HoldForCredits(approved, errors.New("insufficient credit balance"))
	assert.Equal(t, models.StatusPendingReview, approved.Status)
	assert.True(t, approved.CreditsWithheld)
	require.Len(t, approved.Transitions, 2)
	assert.Equal(t, models.StatusApproved, approved.Transitions[1].From)

	rejected := m.Decide(inv(0.97), []models.AnomalyFinding{blocking})
	m.HoldForCredits(rejected, nil)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.True(t, rejected.CreditsWithheld)
	assert.Len(t, rejected.Transitions, 1)
}

func pending() *models.ApprovalDecision {
	return &models.ApprovalDecision{InvoiceID: "doc-1", TenantID: "t1", Status: models.StatusPendingReview}
}

func TestReview_FromPending(t *testing.T) {
	t.Parallel()

	s := &mockStore{}
	s.On("GetDecision", mock.Anything, "t1", "doc-1").Return(pending(), nil)
	s.On("TransitionDecision", mock.Anything, "t1", "doc-1", models.StatusPendingReview, models.StatusApproved).Return(true, nil)

	d, err := NewMachine(0.9, s).Review(context.Background(), "t1", "doc-1", models.StatusApproved, "ana@example.com", "ok")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, d.Status)
	require.Len(t, d.Transitions, 1)
	assert.Equal(t, "ana@example.com", d.Transitions[0].Actor)
	s.AssertExpectations(t)
}

func TestReview_SameStatusIsNoop(t *testing.T) {
	t.Parallel()

	approved := pending()
	approved.Status = models.StatusApproved
	s := &mockStore{}
	s.On("GetDecision", mock.Anything, "t1", "doc-1").Return(approved, nil)

	d, err := NewMachine(0.9, s).Review(context.Background(), "t1", "doc-1", models.StatusApproved, "ana", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, d.Status)
	s.AssertNotCalled(t, "TransitionDecision", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReview_TerminalIsInvalid(t *testing.T) {
	t.Parallel()

	rejected := pending()
	rejected.Status = models.StatusRejected
	s := &mockStore{}
	s.On("GetDecision", mock.Anything, "t1", "doc-1").Return(rejected, nil)

	_, err := NewMachine(0.9, s).Review(context.Background(), "t1", "doc-1", models.StatusApproved, "ana", "")
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, models.StatusRejected, ite.From)
}

func TestReview_PendingIsNotATarget(t *testing.T) {
	t.Parallel()

	s := &mockStore{}
	s.On("GetDecision", mock.Anything, "t1", "doc-1").Return(pending(), nil)

	_, err := NewMachine(0.9, s).Review(context.Background(), "t1", "doc-1", models.StatusPendingReview, "ana", "")
	var ite *InvalidTransitionError
	assert.True(t, errors.As(err, &ite))
}

func TestReview_LostRace(t *testing.T) {
	t.Parallel()

	rejected := pending()
	rejected.Status = models.StatusRejected
	s := &mockStore{}
	s.On("GetDecision", mock.Anything, "t1", "doc-1").Return(pending(), nil).Once()
	s.On("TransitionDecision", mock.Anything, "t1", "doc-1", models.StatusPendingReview, models.StatusApproved).Return(false, nil)
	s.On("GetDecision", mock.Anything, "t1", "doc-1").Return(rejected, nil).Once()

	_, err := NewMachine(0.9, s).Review(context.Background(), "t1", "doc-1", models.StatusApproved, "ana", "")
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, models.StatusRejected, ite.From)
}

func TestReview_NotFound(t *testing.T) {
	t.Parallel()

	notFound := errors.New("not found")
	s := &mockStore{}
	s.On("GetDecision", mock.Anything, "t1", "nope").Return(nil, notFound)

	_, err := NewMachine(0.9, s).Review(context.Background(), "t1", "nope", models.StatusApproved, "ana", "")
	assert.ErrorIs(t, err, notFound)
}
