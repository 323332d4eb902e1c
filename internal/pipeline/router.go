package pipeline

import (
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

// MaxAttempts bounds escalation: one attempt per tier.
const MaxAttempts = 4

// Thresholds are the per document type routing thresholds.
type Thresholds struct {
	// Approval stops escalation: the attempt is good enough.
	Approval float64
	// Escalation is the aggregate below which a cloud attempt of this
	// document type escalates again. PDF_REGEX attempts use it too.
	Escalation float64
}

// DefaultThresholds returns the stock per-type thresholds.
func DefaultThresholds() map[models.MediaType]Thresholds {
	return map[models.MediaType]Thresholds{
		models.MediaXML: {Approval: 0.9, Escalation: 0.9},
		models.MediaPDF: {Approval: 0.9, Escalation: 0.75},
	}
}

var ladders = map[models.MediaType][]models.Tier{
	models.MediaXML: {models.TierXMLLocal, models.TierCloudCostEffective, models.TierCloudAgentic},
	models.MediaPDF: {models.TierPDFRegex, models.TierCloudCostEffective, models.TierCloudAgentic},
}

// Router picks the next tier for a document.
type Router struct {
	available  map[models.Tier]bool
	thresholds map[models.MediaType]Thresholds
}

// NewRouter returns a router over the available tiers.
func NewRouter(available []models.Tier, thresholds map[models.MediaType]Thresholds) *Router {
	r := &Router{available: make(map[models.Tier]bool, len(available)), thresholds: DefaultThresholds()}
	for _, t := range available {
		r.available[t] = true
	}
	for mt, th := range thresholds {
		r.thresholds[mt] = th
	}
	return r
}

// Thresholds returns the thresholds for media.
func (r *Router) Thresholds(media models.MediaType) Thresholds {
	if th, ok := r.thresholds[media]; ok {
		return th
	}
	return Thresholds{Approval: 0.9, Escalation: 0.75}
}

// Next returns the tier to try after attempts, or false to stop. Tiers are
// only ever tried in increasing cost order.
func (r *Router) Next(media models.MediaType, attempts []*models.ExtractionAttempt) (models.Tier, bool) {
	if len(attempts) >= MaxAttempts {
		return 0, false
	}
	ladder := ladders[media]
	if len(attempts) == 0 {
		return r.after(ladder, 0)
	}

	last := attempts[len(attempts)-1]
	th := r.Thresholds(media)
	if last.Succeeded() {
		if last.Aggregate >= th.Approval {
			return 0, false
		}
		// A readable CFDI is final: only a structural failure escalates.
		if last.Tier == models.TierXMLLocal {
			return 0, false
		}
		if last.Aggregate >= th.Escalation {
			return 0, false
		}
	}

	highest := last.Tier
	for _, a := range attempts {
		if a.Tier > highest {
			highest = a.Tier
		}
	}
	return r.after(ladder, highest)
}

func (r *Router) after(ladder []models.Tier, tier models.Tier) (models.Tier, bool) {
	for _, t := range ladder {
		if t > tier && r.available[t] {
			return t, true
		}
	}
	return 0, false
}
