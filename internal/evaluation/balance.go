package evaluation

import (
	"math"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/pkg/logger"
)

// LopsidedThreshold is the per-race imbalance above which a race is reported.
const LopsidedThreshold = 0.5

type BalanceReport struct {
	Score       int      `json:"score"`
	RacesScored int      `json:"racesScored"`
	Lopsided    []string `json:"lopsided,omitempty"`
}

// BalanceScorer checks that candidates in the same race get comparable
// amounts of pro and con text. A score of 100 means every contested race is
// evenly covered.
type BalanceScorer struct {
	threshold float64
}

func NewBalanceScorer() *BalanceScorer {
	return &BalanceScorer{threshold: LopsidedThreshold}
}

func (s *BalanceScorer) Score(b ballot.Ballot) BalanceReport {
	var report BalanceReport
	var total float64

	for _, r := range b.Races {
		if !r.IsContested() {
			continue
		}
		active := r.ActiveCandidates()
		pros := make([]int, len(active))
		cons := make([]int, len(active))
		for i, c := range active {
			pros[i] = countTokens(c.Pros)
			cons[i] = countTokens(c.Cons)
		}

		imbalance := (spread(pros) + spread(cons)) / 2
		total += imbalance
		report.RacesScored++

		if imbalance > s.threshold {
			report.Lopsided = append(report.Lopsided, r.Key())
		}
	}

	if report.RacesScored == 0 {
		report.Score = 100
		return report
	}

	report.Score = int(math.Round(100 * (1 - total/float64(report.RacesScored))))

	if len(report.Lopsided) > 0 {
		logger.Info("Lopsided candidate coverage",
			zap.Int("balance_score", report.Score),
			zap.Strings("races", report.Lopsided),
		)
	}
	return report
}

// spread is (max-min)/max, or 0 when nobody has any text.
func spread(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	lo, hi := counts[0], counts[0]
	for _, n := range counts[1:] {
		lo = min(lo, n)
		hi = max(hi, n)
	}
	if hi == 0 {
		return 0
	}
	return float64(hi-lo) / float64(hi)
}

func countTokens(items []string) int {
	text := strings.TrimSpace(strings.Join(items, " "))
	if text == "" {
		return 0
	}
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return len(strings.Fields(text))
	}
	n := 0
	for _, tok := range doc.Tokens() {
		if isWord(tok.Text) {
			n++
		}
	}
	return n
}

// isWord skips punctuation tokens so "good." and "good" weigh the same.
func isWord(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r > 127 {
			return true
		}
	}
	return false
}
