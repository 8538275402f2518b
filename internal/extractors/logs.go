package extractors

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ariastack/aria-engine/internal/models"
)

// LogsExtractor orders raw error log lines by significance: severity first,
// then how strongly the line's signature surges above the window's median
// signature volume. Equal scores keep their original order.
type LogsExtractor struct{}

// NewLogsExtractor constructs a log ranker.
func NewLogsExtractor() *LogsExtractor {
	return &LogsExtractor{}
}

var signatureNoise = regexp.MustCompile(`0x[0-9a-f]+|[0-9]+`)

// Signature normalises a log message so repeated occurrences with differing
// ids, counts and durations group together.
func Signature(message string) string {
	return strings.TrimSpace(signatureNoise.ReplaceAllString(strings.ToLower(message), "#"))
}

// Rank returns at most limit findings, most significant first. limit <= 0
// keeps everything.
func (e *LogsExtractor) Rank(findings []models.LogFinding, limit int) []models.LogFinding {
	if len(findings) == 0 {
		return []models.LogFinding{}
	}

	counts := make(map[string]int, len(findings))
	signatures := make([]string, len(findings))
	for i, f := range findings {
		sig := Signature(f.Message)
		signatures[i] = sig
		counts[sig]++
	}

	volumes := make([]float64, 0, len(counts))
	for _, c := range counts {
		volumes = append(volumes, float64(c))
	}
	median := percentile(volumes, 0.5)
	mad := meanAbsoluteDeviation(volumes, median)
	if mad == 0 {
		mad = 1
	}

	type scored struct {
		finding models.LogFinding
		score   float64
	}
	ranked := make([]scored, len(findings))
	for i, f := range findings {
		surge := math.Max(0, float64(counts[signatures[i]])-median) / mad
		ranked[i] = scored{finding: f, score: levelWeight(f.Level)*10 + math.Min(surge, 5)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]models.LogFinding, len(ranked))
	for i, r := range ranked {
		out[i] = r.finding
	}
	return out
}

func levelWeight(level string) float64 {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "emergency", "alert", "fatal", "critical", "crit":
		return 4
	case "error", "err":
		return 3
	case "warn", "warning":
		return 2
	case "info", "notice":
		return 1
	default:
		return 0
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
