package protocol

import (
	"regexp"

	"github.com/yourusername/seek-forge/internal/progress"
)

// マーカー導入前のワーカーが出力していた文言から統計を復元するパターン。
var legacyStatPatterns = []struct {
	key     string
	pattern *regexp.Regexp
}{
	{progress.StatDaysProcessed, regexp.MustCompile(`(?i)days processed:\s*(\d+(?:\.\d+)?)`)},
	{progress.StatConversationsAnalyzed, regexp.MustCompile(`(?i)conversations analy[sz]ed:\s*(\d+(?:\.\d+)?)`)},
	{progress.StatCandidatesGenerated, regexp.MustCompile(`(?i)candidates generated:\s*(\d+(?:\.\d+)?)`)},
	{progress.StatItemsGenerated, regexp.MustCompile(`(?i)(?:items|ideas) generated:\s*(\d+(?:\.\d+)?)`)},
	{progress.StatDuplicatesSkipped, regexp.MustCompile(`(?i)duplicates (?:skipped|filtered|removed):\s*(\d+(?:\.\d+)?)`)},
	{progress.StatItemsAdded, regexp.MustCompile(`(?i)items (?:added|saved|integrated):\s*(\d+(?:\.\d+)?)`)},
}

var legacyPhaseHints = []struct {
	phase   progress.Phase
	pattern *regexp.Regexp
}{
	{progress.PhaseSearching, regexp.MustCompile(`(?i)\bsearching\b`)},
	{progress.PhasePreparing, regexp.MustCompile(`(?i)\b(?:compress(?:ing)?|preparing)\b`)},
	{progress.PhaseGenerating, regexp.MustCompile(`(?i)\bgenerating\b`)},
	{progress.PhaseParsing, regexp.MustCompile(`(?i)\bparsing\b`)},
	{progress.PhasePersisting, regexp.MustCompile(`(?i)\b(?:saving|persisting)\b`)},
	{progress.PhaseIntegrating, regexp.MustCompile(`(?i)\b(?:integrating|harmoniz(?:ing|ation))\b`)},
}

// LegacyStats は自由文から統計を復元します。同じキーは最後の出現が勝ちます。
func LegacyStats(text string) progress.StatMap {
	stats := progress.StatMap{}
	for _, lp := range legacyStatPatterns {
		matches := lp.pattern.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}
		if v, ok := parseNumber(matches[len(matches)-1][1]); ok {
			stats[lp.key] = v
		}
	}
	return stats
}

func legacyPhaseHint(line string) (progress.Phase, bool) {
	for _, h := range legacyPhaseHints {
		if h.pattern.MatchString(line) {
			return h.phase, true
		}
	}
	return "", false
}
