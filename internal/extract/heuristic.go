package extract

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/facturaIA/invoice-pipeline/internal/fiscal"
	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const (
	exactSpecificity = 0.95
	fuzzySpecificity = 0.6
	unlabeledAnchor  = 0.6
)

var (
	// \b is ASCII only, so a leading Ñ or & is anchored on a non-RFC rune.
	rfcRegex      = regexp.MustCompile(`(?i)(?:^|[^A-Z0-9Ñ&])([A-ZÑ&]{3,4}[ -]?[0-9]{6}[ -]?[A-Z0-9]{3})\b`)
	uuidRegex     = regexp.MustCompile(`(?i)\b[0-9A-F]{8}-?[0-9A-F]{4}-?[0-9A-F]{4}-?[0-9A-F]{4}-?[0-9A-F]{12}\b`)
	amountRegex   = regexp.MustCompile(`\$?\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?`)
	isoDateRegex  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}:\d{2})?\b`)
	dmyDateRegex  = regexp.MustCompile(`\b\d{2}/\d{2}/\d{4}\b`)
	currencyRegex = regexp.MustCompile(`\b(MXN|USD|EUR)\b`)
	pesosRegex    = regexp.MustCompile(`(?i)\bpesos\b`)
	emailRegex    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRegex    = regexp.MustCompile(`(?:\+?52[\s-]?)?\(?\d{2,3}\)?[\s-]?\d{3,4}[\s-]?\d{4}`)
	nameRegex     = regexp.MustCompile(`^[\s:]*([^\n]{3,})`)
	nameStopRegex = regexp.MustCompile(`(?i)\s(?:rfc|r\.f\.c|r[eé]gimen|domicilio|uso\s+cfdi|c\.p\.|folio)`)
)

type match struct {
	start int
	value string
	exact bool
}

type candidate struct {
	match
	distance int
}

// fieldRule finds one field: the first value after each label occurrence
// is a candidate, and the candidate nearest its label wins.
type fieldRule struct {
	key      models.FieldKey
	label    *regexp.Regexp
	notAfter *regexp.Regexp // tested against the text just before a label
	skip     *regexp.Regexp // tested against the text just after a label
	find     func(seg string) []match
	window   int
	fallback bool // scan the whole text when no label matched
	ordinal  int  // distinct unlabeled value to take
	shared   int  // fields competing for the same unlabeled values
	optional bool // omit instead of reporting zero confidence
}

var heuristicRules = []fieldRule{
	{
		key:      models.FieldIssuerTaxID,
		label:    regexp.MustCompile(`(?i)rfc\s*(?:del\s+)?emisor|emisor\s*[:\-]?\s*rfc|\bemisor\b`),
		find:     findRFCs,
		window:   160,
		fallback: true,
		shared:   2,
	},
	{
		key:      models.FieldReceiverTaxID,
		label:    regexp.MustCompile(`(?i)rfc\s*(?:del\s+)?receptor|receptor\s*[:\-]?\s*rfc|\breceptor\b|\bcliente\b`),
		find:     findRFCs,
		window:   160,
		fallback: true,
		ordinal:  1,
		shared:   2,
	},
	{
		key:      models.FieldUUID,
		label:    regexp.MustCompile(`(?i)folio\s+fiscal|\buuid\b`),
		find:     findUUIDs,
		window:   80,
		fallback: true,
	},
	{
		key:      models.FieldTotal,
		label:    regexp.MustCompile(`(?i)\btotal\b`),
		notAfter: regexp.MustCompile(`(?i)sub[\s\-]?$`),
		skip:     regexp.MustCompile(`(?i)^\s*(?:de\s+)?(?:impuestos|iva|trasl|retenc|con\s+letra)`),
		find:     findAmounts,
		window:   60,
	},
	{
		key:    models.FieldSubtotal,
		label:  regexp.MustCompile(`(?i)\bsub[\s\-]?total\b`),
		find:   findAmounts,
		window: 60,
	},
	{
		key:    models.FieldTax,
		label:  regexp.MustCompile(`(?i)\biva\b|total\s+(?:de\s+)?impuestos\s+trasladados|impuestos?\s+trasladados|\btraslados?\b`),
		skip:   regexp.MustCompile(`(?i)^\s*(?:retenido|ret\.)`),
		find:   findAmounts,
		window: 60,
	},
	{
		key:      models.FieldWithheldTax,
		label:    regexp.MustCompile(`(?i)impuestos?\s+retenidos|\bretenci[oó]n(?:es)?\b|(?:iva|isr)\s+retenido`),
		find:     findAmounts,
		window:   60,
		optional: true,
	},
	{
		key:      models.FieldDiscount,
		label:    regexp.MustCompile(`(?i)\bdescuentos?\b`),
		find:     findAmounts,
		window:   60,
		optional: true,
	},
	{
		key:      models.FieldIssueDate,
		label:    regexp.MustCompile(`(?i)fecha\s+(?:y\s+hora\s+)?de\s+(?:emisi[oó]n|expedici[oó]n)|\bfecha\b`),
		skip:     regexp.MustCompile(`(?i)^\s*(?:y\s+hora\s+)?(?:de\s+)?(?:certificaci|timbrado)`),
		find:     findDates,
		window:   60,
		fallback: true,
	},
	{
		key:      models.FieldCurrency,
		label:    regexp.MustCompile(`(?i)\bmoneda\b`),
		find:     findCurrencies,
		window:   40,
		fallback: true,
	},
	{
		key:    models.FieldIssuerName,
		label:  regexp.MustCompile(`(?i)(?:nombre|raz[oó]n\s+social)\s+(?:del\s+)?emisor`),
		find:   findName,
		window: 100,
	},
	{
		key:    models.FieldReceiverName,
		label:  regexp.MustCompile(`(?i)(?:nombre|raz[oó]n\s+social)\s+(?:del\s+)?receptor`),
		find:   findName,
		window: 100,
	},
	{
		key:      models.FieldIssuerEmail,
		label:    regexp.MustCompile(`(?i)correo|e-?mail`),
		find:     findEmails,
		window:   80,
		fallback: true,
		optional: true,
	},
	{
		key:      models.FieldIssuerPhone,
		label:    regexp.MustCompile(`(?i)tel[eé]fono|\btel\b`),
		find:     findPhones,
		window:   40,
		optional: true,
	},
}

// HeuristicExtractor pattern-matches fields out of a PDF text layer.
type HeuristicExtractor struct {
	source TextSource
}

// NewHeuristicExtractor returns the PDF_REGEX tier. A nil source reads the
// PDF text layer.
func NewHeuristicExtractor(source TextSource) *HeuristicExtractor {
	if source == nil {
		source = PDFText{MaxPages: 10}
	}
	return &HeuristicExtractor{source: source}
}

func (h *HeuristicExtractor) Tier() models.Tier { return models.TierPDFRegex }

func (h *HeuristicExtractor) Extract(ctx context.Context, doc models.RawDocument) (*models.ExtractionAttempt, error) {
	text, err := h.source.Text(ctx, doc.Content)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, malformed(h.Tier(), "pdf text layer", err)
	}
	return h.FromText(text), nil
}

// FromText runs every rule over already extracted text. Fields without a
// match are reported at confidence 0.
func (h *HeuristicExtractor) FromText(text string) *models.ExtractionAttempt {
	a := models.NewAttempt(h.Tier())
	for _, rule := range heuristicRules {
		m, conf, ok := rule.apply(text)
		switch {
		case ok:
			a.Set(rule.key, m.value, conf)
		case !rule.optional:
			a.Set(rule.key, "", 0)
		}
	}
	// Line item tables are not parsed at this tier.
	a.Set(models.FieldLineItems, "", 0)
	return a
}

func (r fieldRule) apply(text string) (match, float64, bool) {
	var cands []candidate
	for _, loc := range r.label.FindAllStringIndex(text, -1) {
		if r.notAfter != nil && r.notAfter.MatchString(text[max(0, loc[0]-8):loc[0]]) {
			continue
		}
		rest := text[loc[1]:]
		if r.skip != nil && r.skip.MatchString(rest) {
			continue
		}
		if ms := r.find(rest[:min(len(rest), r.window)]); len(ms) > 0 {
			cands = append(cands, candidate{match: ms[0], distance: ms[0].start})
		}
	}

	if len(cands) == 0 {
		if !r.fallback {
			return match{}, 0, false
		}
		ms := distinct(r.find(text))
		if len(ms) <= r.ordinal {
			return match{}, 0, false
		}
		shared := max(r.shared, 1)
		m := ms[r.ordinal]
		return m, specificity(m) * unlabeledAnchor * uniqueness(len(ms)-shared+1), true
	}

	best := cands[0]
	values := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		values[c.value] = struct{}{}
		if c.distance < best.distance {
			best = c
		}
	}
	return best.match, specificity(best.match) * uniqueness(len(values)), true
}

func specificity(m match) float64 {
	if m.exact {
		return exactSpecificity
	}
	return fuzzySpecificity
}

func uniqueness(n int) float64 {
	if n <= 1 {
		return 1
	}
	return math.Max(0.4, 1-0.2*float64(n-1))
}

func distinct(ms []match) []match {
	seen := make(map[string]struct{}, len(ms))
	out := ms[:0:0]
	for _, m := range ms {
		if _, ok := seen[m.value]; ok {
			continue
		}
		seen[m.value] = struct{}{}
		out = append(out, m)
	}
	return out
}

func findRFCs(seg string) []match {
	var out []match
	for _, loc := range rfcRegex.FindAllStringSubmatchIndex(seg, -1) {
		raw := seg[loc[2]:loc[3]]
		norm := fiscal.NormalizeRFC(raw)
		if !fiscal.ValidRFCFormat(norm) {
			continue
		}
		out = append(out, match{start: loc[2], value: norm, exact: raw == norm && fiscal.ValidRFC(norm)})
	}
	return out
}

func findUUIDs(seg string) []match {
	var out []match
	for _, loc := range uuidRegex.FindAllStringIndex(seg, -1) {
		norm, canonical, ok := fiscal.NormalizeUUID(seg[loc[0]:loc[1]])
		if !ok {
			continue
		}
		out = append(out, match{start: loc[0], value: norm, exact: canonical})
	}
	return out
}

func findAmounts(seg string) []match {
	var out []match
	for _, loc := range amountRegex.FindAllStringSubmatchIndex(seg, -1) {
		start, end := loc[0], loc[1]
		if !amountBoundary(seg, loc[2], end) {
			continue
		}
		d, ok := fiscal.ParseAmount(seg[start:end])
		if !ok {
			continue
		}
		// Group 2 is the decimal part; two digits is the printed form.
		exact := loc[4] >= 0 && loc[5]-loc[4] == 2
		out = append(out, match{start: start, value: fiscal.FormatAmount(d), exact: exact})
	}
	return out
}

// amountBoundary rejects digits that belong to RFCs, dates, times, rates
// or "00/100 M.N." legends. digits is the offset of the first digit.
func amountBoundary(s string, digits, end int) bool {
	if digits > 0 {
		prev := rune(s[digits-1])
		if unicode.IsLetter(prev) || unicode.IsDigit(prev) || strings.ContainsRune("-/.", prev) {
			return false
		}
		if prev == ':' && digits > 1 && unicode.IsDigit(rune(s[digits-2])) {
			return false
		}
	}
	if end < len(s) {
		next := rune(s[end])
		if unicode.IsLetter(next) || unicode.IsDigit(next) || strings.ContainsRune("%/-:", next) {
			return false
		}
	}
	return true
}

func findDates(seg string) []match {
	var out []match
	for _, loc := range isoDateRegex.FindAllStringIndex(seg, -1) {
		if t, ok := fiscal.ParseDate(seg[loc[0]:loc[1]]); ok {
			out = append(out, match{start: loc[0], value: fiscal.FormatDate(t), exact: true})
		}
	}
	for _, loc := range dmyDateRegex.FindAllStringIndex(seg, -1) {
		if t, ok := fiscal.ParseDate(seg[loc[0]:loc[1]]); ok {
			out = append(out, match{start: loc[0], value: fiscal.FormatDate(t)})
		}
	}
	sortByStart(out)
	return out
}

func findCurrencies(seg string) []match {
	var out []match
	for _, loc := range currencyRegex.FindAllStringIndex(seg, -1) {
		out = append(out, match{start: loc[0], value: seg[loc[0]:loc[1]], exact: true})
	}
	for _, loc := range pesosRegex.FindAllStringIndex(seg, -1) {
		out = append(out, match{start: loc[0], value: "MXN"})
	}
	sortByStart(out)
	return out
}

func findEmails(seg string) []match {
	var out []match
	for _, loc := range emailRegex.FindAllStringIndex(seg, -1) {
		out = append(out, match{start: loc[0], value: strings.ToLower(seg[loc[0]:loc[1]]), exact: true})
	}
	return out
}

func findPhones(seg string) []match {
	var out []match
	for _, loc := range phoneRegex.FindAllStringIndex(seg, -1) {
		digits := onlyDigits(seg[loc[0]:loc[1]])
		if len(digits) == 12 && strings.HasPrefix(digits, "52") {
			digits = digits[2:]
		}
		if len(digits) != 10 {
			continue
		}
		out = append(out, match{start: loc[0], value: digits, exact: true})
	}
	return out
}

// findName takes the rest of the label's line, cut at the next label.
func findName(seg string) []match {
	m := nameRegex.FindStringSubmatchIndex(seg)
	if m == nil {
		return nil
	}
	name := seg[m[2]:m[3]]
	if stop := nameStopRegex.FindStringIndex(name); stop != nil {
		name = name[:stop[0]]
	}
	name = strings.Trim(strings.TrimSpace(name), ":;,")
	if len([]rune(name)) < 3 {
		return nil
	}
	return []match{{start: m[2], value: name, exact: true}}
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sortByStart(ms []match) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].start < ms[j].start })
}
