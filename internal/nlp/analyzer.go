// Package nlp implements the rule-based analysis stage: keyword extraction,
// VADER sentiment, intent detection over a fixed label set, and risk
// assessment. Deterministic and fully offline; there are no model calls.
package nlp

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/jonreiter/govader"
)

// Sentiment classifications.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// neutralBand is the VADER compound region treated as neutral.
const neutralBand = 0.05

// maxKeywords caps the extracted keyword list.
const maxKeywords = 10

// intentPatterns scores each label by counting pattern hits in the text.
var intentPatterns = map[string][]string{
	"customer support request": {
		"help", "support", "assist", "problem", "issue", "trouble",
		"broken", "not working", "error", "fix", "repair",
	},
	"sales inquiry": {
		"price", "cost", "buy", "purchase", "order", "quote",
		"discount", "deal", "offer", "sale", "promotion",
	},
	"complaint or issue": {
		"complaint", "angry", "furious", "unhappy", "dissatisfied",
		"wrong", "bad", "terrible", "horrible", "unacceptable",
	},
	"general information": {
		"what", "how", "when", "where", "why", "information",
		"details", "explain", "tell me", "question",
	},
	"appointment booking": {
		"appointment", "schedule", "book", "reservation", "meeting",
		"time", "date", "calendar", "available",
	},
	"technical problem": {
		"technical", "system", "software", "hardware", "network",
		"connection", "login", "password", "access", "download",
	},
	"billing question": {
		"bill", "payment", "charge", "invoice", "account",
		"money", "refund", "credit", "debit", "subscription",
	},
	"product inquiry": {
		"product", "feature", "specification", "model", "version",
		"compatibility", "requirement", "specs",
	},
}

var highRiskKeywords = []string{
	"urgent", "emergency", "critical", "immediately", "asap",
	"complaint", "sue", "lawyer", "legal", "escalate",
	"cancel", "refund", "money back", "dispute", "wrong",
	"angry", "furious", "unacceptable", "terrible", "horrible",
}

var complianceKeywords = []string{
	"privacy", "data", "personal", "confidential", "secure",
	"breach", "hack", "unauthorized", "access", "information",
}

var urgencyKeywords = []string{
	"urgent", "emergency", "critical", "immediately", "asap",
	"now", "today", "deadline", "time sensitive",
}

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"the", "a", "an", "is", "are", "am", "and", "or", "but", "if",
		"then", "else", "for", "to", "of", "in", "on", "with", "by", "as",
		"at", "this", "that", "these", "those", "be", "been", "being", "it",
		"its", "we", "you", "they", "he", "she", "i", "me", "my", "our",
		"your", "their",
	} {
		stopWords[w] = struct{}{}
	}
}

var (
	specialChars = regexp.MustCompile(`[^\w\s.,!?-]`)
	whitespace   = regexp.MustCompile(`\s+`)
	wordToken    = regexp.MustCompile(`[A-Za-z0-9']+`)
	numericToken = regexp.MustCompile(`^[0-9]+$`)
)

// Result is the complete analysis for one transcript.
type Result struct {
	Keywords []string
	Topics   []string

	Sentiment      string
	SentimentScore int // -100..100, 0 inside the neutral band
	CompoundScore  float64

	Intent           string
	IntentConfidence float64 // 0..1

	EscalationRisk string
	RiskScore      int
	UrgencyLevel   string
	ComplianceRisk string
}

// Analyzer performs rule-based text analysis. Safe for concurrent use.
type Analyzer struct {
	sentiment *govader.SentimentIntensityAnalyzer
	log       *slog.Logger
}

// New creates an analyzer with the bundled VADER lexicon.
func New(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		sentiment: govader.NewSentimentIntensityAnalyzer(),
		log:       logger.With("component", "nlp"),
	}
}

// Analyze runs the full rule base over text.
func (a *Analyzer) Analyze(text string) Result {
	clean := Preprocess(text)
	res := Result{
		Keywords:       ExtractKeywords(clean, maxKeywords),
		Topics:         []string{},
		Sentiment:      SentimentNeutral,
		Intent:         "unknown",
		EscalationRisk: "low",
		UrgencyLevel:   "low",
		ComplianceRisk: "none",
	}
	if clean == "" {
		return res
	}

	compound := a.sentiment.PolarityScores(clean).Compound
	res.CompoundScore = compound
	switch {
	case compound >= neutralBand:
		res.Sentiment = SentimentPositive
		res.SentimentScore = int(compound * 100)
	case compound <= -neutralBand:
		res.Sentiment = SentimentNegative
		res.SentimentScore = int(compound * 100)
	}

	res.Intent, res.IntentConfidence = DetectIntent(clean)

	risk := AssessRisk(clean, res.Sentiment)
	res.EscalationRisk = risk.EscalationRisk
	res.RiskScore = risk.RiskScore
	res.UrgencyLevel = risk.UrgencyLevel
	res.ComplianceRisk = risk.ComplianceRisk

	return res
}

// Preprocess lowercases text, strips special characters (keeping basic
// punctuation), and collapses whitespace.
func Preprocess(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ToLower(text)
	text = specialChars.ReplaceAllString(text, "")
	text = whitespace.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	return strings.Trim(text, ".,!?-")
}

// ExtractKeywords returns the max most frequent content tokens: stopwords,
// tokens of length <= 2, and purely numeric tokens are dropped; remaining
// tokens are lightly lemmatized. Ties keep first-seen order.
func ExtractKeywords(text string, max int) []string {
	if text == "" {
		return []string{}
	}
	clean := Preprocess(text)
	tokens := wordToken.FindAllString(clean, -1)

	freq := make(map[string]int)
	var order []string
	for _, tok := range tokens {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if len(tok) <= 2 || numericToken.MatchString(tok) {
			continue
		}
		tok = lemmatize(tok)
		if freq[tok] == 0 {
			order = append(order, tok)
		}
		freq[tok]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return freq[order[i]] > freq[order[j]]
	})
	if len(order) > max {
		order = order[:max]
	}
	return order
}

// lemmatize applies a light suffix normalization: plural "ies" to "y" and a
// trailing "s" that is not part of "ss".
func lemmatize(token string) string {
	switch {
	case strings.HasSuffix(token, "ies") && len(token) > 4:
		return token[:len(token)-3] + "y"
	case strings.HasSuffix(token, "s") && !strings.HasSuffix(token, "ss") && len(token) > 3:
		return token[:len(token)-1]
	}
	return token
}

// DetectIntent scores each label by substring pattern hits and returns the
// best label with a confidence of hits divided by the longest pattern list.
// Zero hits fall back to "general information" at 0.1.
func DetectIntent(text string) (string, float64) {
	if text == "" {
		return "unknown", 0
	}
	lower := strings.ToLower(text)

	maxPossible := 0
	for _, patterns := range intentPatterns {
		if len(patterns) > maxPossible {
			maxPossible = len(patterns)
		}
	}

	bestIntent, bestScore := "", -1
	// Deterministic iteration: map order must not decide ties.
	labels := make([]string, 0, len(intentPatterns))
	for label := range intentPatterns {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		score := 0
		for _, pattern := range intentPatterns[label] {
			if strings.Contains(lower, pattern) {
				score++
			}
		}
		if score > bestScore {
			bestIntent, bestScore = label, score
		}
	}

	if bestScore == 0 {
		return "general information", 0.1
	}
	confidence := float64(bestScore) / float64(maxPossible)
	if confidence > 1 {
		confidence = 1
	}
	return bestIntent, confidence
}

// Risk is the outcome of [AssessRisk].
type Risk struct {
	EscalationRisk string
	RiskScore      int
	UrgencyLevel   string
	ComplianceRisk string
}

// AssessRisk counts risk, urgency, and compliance indicators and applies
// the threshold table. Negative sentiment adds 20 to the risk score
// (capped at 100) and bumps a low escalation to medium.
func AssessRisk(text, sentiment string) Risk {
	r := Risk{EscalationRisk: "low", UrgencyLevel: "low", ComplianceRisk: "none"}
	lower := strings.ToLower(text)

	count := func(keywords []string) int {
		n := 0
		for _, k := range keywords {
			if strings.Contains(lower, k) {
				n++
			}
		}
		return n
	}

	switch riskHits := count(highRiskKeywords); {
	case riskHits >= 3:
		r.EscalationRisk = "high"
		r.RiskScore = 80
	case riskHits >= 1:
		r.EscalationRisk = "medium"
		r.RiskScore = 50
	}

	switch urgencyHits := count(urgencyKeywords); {
	case urgencyHits >= 2:
		r.UrgencyLevel = "critical"
	case urgencyHits >= 1:
		r.UrgencyLevel = "high"
	}

	switch complianceHits := count(complianceKeywords); {
	case complianceHits >= 2:
		r.ComplianceRisk = "high"
	case complianceHits >= 1:
		r.ComplianceRisk = "medium"
	}

	if sentiment == SentimentNegative {
		r.RiskScore = min(100, r.RiskScore+20)
		if r.EscalationRisk == "low" {
			r.EscalationRisk = "medium"
		}
	}
	return r
}
