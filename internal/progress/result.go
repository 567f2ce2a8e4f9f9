package progress

// Item はワーカーが生成した 1 件の成果物です。
type Item struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

// Result はジョブ成功時に返す集計結果です。
type Result struct {
	Tool       string   `json:"tool"`
	Mode       string   `json:"mode"`
	Content    string   `json:"content,omitempty"`
	Items      []Item   `json:"items"`
	Stats      StatMap  `json:"stats"`
	Tokens     Tokens   `json:"tokens"`
	Warnings   []string `json:"warnings,omitempty"`
	OutputFile string   `json:"outputFile,omitempty"`
	ExitCode   int      `json:"exitCode"`
	DurationMS int64    `json:"durationMs"`
	// Synthesized はワーカーが構造化結果を出さず StatMap から組み立てた場合に true。
	Synthesized bool `json:"synthesized"`
	// UnknownStats は期待した統計キーのうち報告されなかったもの。
	UnknownStats    []string `json:"unknownStats,omitempty"`
	BaselineCount   *int64   `json:"baselineCount,omitempty"`
	ReconciledCount *int64   `json:"reconciledCount,omitempty"`
}

// 統計キーの規約。
const (
	StatDaysProcessed         = "daysProcessed"
	StatConversationsAnalyzed = "conversationsAnalyzed"
	StatCandidatesGenerated   = "candidatesGenerated"
	StatItemsGenerated        = "itemsGenerated"
	StatDuplicatesSkipped     = "duplicatesSkipped"
	StatItemsAdded            = "itemsAdded"
)

// ExpectedDelta はストアに増えるはずの件数の見込みを返します。
// itemsAdded があればそれを、なければ itemsGenerated - duplicatesSkipped を使います。
// どちらも無い場合は ok=false です。
func ExpectedDelta(stats StatMap) (int64, bool) {
	if v, ok := stats.Lookup(StatItemsAdded); ok {
		return int64(v), true
	}
	gen, ok := stats.Lookup(StatItemsGenerated)
	if !ok {
		return 0, false
	}
	dup, _ := stats.Lookup(StatDuplicatesSkipped)
	delta := int64(gen - dup)
	if delta < 0 {
		delta = 0
	}
	return delta, true
}
