// Package protocol はワーカーの標準出力を進捗イベントへ変換します。
//
// 構造化マーカー（[STAT:key=value] など）と、1 行 1 JSON のバージョン付きエンベロープを
// 解釈します。マーカーを出さない古いワーカー向けの正規表現フォールバックは legacy.go に
// 分離しており、Options.LegacyFallback で有効化します。
package protocol

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/yourusername/seek-forge/internal/progress"
)

var (
	markerPattern  = regexp.MustCompile(`\[(STAT|PHASE|PROGRESS|COST|OUTPUT):([^\]]*)\]`)
	statKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
	stepPattern    = regexp.MustCompile(`^\s*(\d+)\s*/\s*(\d+)\s*(.*)$`)
	warnPattern    = regexp.MustCompile(`^\s*(?:\[WARN(?:ING)?\]|WARNING:|⚠️?)\s*(.*)$`)
	outputPattern  = regexp.MustCompile(`(?i)output (?:file )?(?:written|saved) to:\s*(\S+)`)
)

// Options はパーサーの挙動を切り替えます。
type Options struct {
	// LegacyFallback はマーカーを一切出さないワーカー向けの互換処理を有効にします。
	LegacyFallback bool
}

// Parser は 1 ジョブ分の出力を逐次解析します。ゴルーチン安全ではありません。
type Parser struct {
	opts       Options
	structured int
	lastPhase  progress.Phase
	outputPath string
}

// NewParser は Parser を作成します。
func NewParser(opts Options) *Parser {
	return &Parser{opts: opts}
}

// SawStructured は構造化マーカーを 1 つでも解釈したかを返します。
func (p *Parser) SawStructured() bool {
	return p.structured > 0
}

// OutputPath はワーカーが報告した出力ファイルのパスです（未報告なら空）。
func (p *Parser) OutputPath() string {
	return p.outputPath
}

// ParseLine は標準出力の 1 行を解析し、出現順のイベントを返します。
// 解釈できない値は黙って捨てます。
func (p *Parser) ParseLine(line string) []progress.Event {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "{") {
		if events, ok := p.parseEnvelope(trimmed); ok {
			return events
		}
	}

	if m := warnPattern.FindStringSubmatch(trimmed); m != nil {
		if msg := strings.TrimSpace(m[1]); msg != "" {
			return []progress.Event{progress.WarningEvent(msg)}
		}
		return nil
	}

	var events []progress.Event
	matches := markerPattern.FindAllStringSubmatch(line, -1)
	for _, m := range matches {
		if ev, ok := p.parseMarker(m[1], m[2]); ok {
			events = append(events, ev)
		}
	}
	if len(matches) > 0 {
		p.structured++
	}

	if p.outputPath == "" {
		if m := outputPattern.FindStringSubmatch(trimmed); m != nil {
			p.outputPath = strings.Trim(m[1], `"'`)
		}
	}

	if len(matches) == 0 {
		if p.opts.LegacyFallback && p.structured == 0 {
			if phase, ok := legacyPhaseHint(trimmed); ok && p.lastPhase.CanTransition(phase) {
				p.lastPhase = phase
				events = append(events, progress.PhaseEvent(phase))
			}
		}
		events = append(events, progress.InfoEvent(trimmed))
	}
	return events
}

// ParseDiagnostic は標準エラー出力の 1 行を解析します。警告以外はイベントにしません。
func (p *Parser) ParseDiagnostic(line string) []progress.Event {
	trimmed := strings.TrimSpace(line)
	if m := warnPattern.FindStringSubmatch(trimmed); m != nil {
		if msg := strings.TrimSpace(m[1]); msg != "" {
			return []progress.Event{progress.WarningEvent(msg)}
		}
	}
	return nil
}

// Finish はストリーム終了時に呼び出します。構造化マーカーが一度も無く
// フォールバックが有効な場合、全出力から統計を復元した stat イベントを返します。
func (p *Parser) Finish(combined string) []progress.Event {
	if !p.opts.LegacyFallback || p.structured > 0 {
		return nil
	}
	stats := LegacyStats(combined)
	events := make([]progress.Event, 0, len(stats))
	for _, key := range stats.Keys() {
		events = append(events, progress.StatEvent(key, stats[key]))
	}
	return events
}

// Events は r を最後まで読み、イベントを遅延評価の列として返します。
// 末尾では Finish の結果も続けて返します。
func (p *Parser) Events(r io.Reader) iter.Seq[progress.Event] {
	return func(yield func(progress.Event) bool) {
		br := bufio.NewReader(r)
		var combined strings.Builder
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				combined.WriteString(line)
				for _, ev := range p.ParseLine(line) {
					if !yield(ev) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					return
				}
				break
			}
		}
		for _, ev := range p.Finish(combined.String()) {
			if !yield(ev) {
				return
			}
		}
	}
}

func (p *Parser) parseMarker(kind, body string) (progress.Event, bool) {
	switch kind {
	case "STAT":
		key, raw, ok := strings.Cut(body, "=")
		if !ok {
			return progress.Event{}, false
		}
		key = strings.TrimSpace(key)
		value, ok := parseNumber(raw)
		if !ok || !statKeyPattern.MatchString(key) {
			return progress.Event{}, false
		}
		return progress.StatEvent(key, value), true
	case "PHASE":
		phase, ok := progress.ParsePhase(body)
		if !ok {
			return progress.Event{}, false
		}
		p.lastPhase = phase
		return progress.PhaseEvent(phase), true
	case "PROGRESS":
		m := stepPattern.FindStringSubmatch(body)
		if m == nil {
			return progress.Event{}, false
		}
		cur, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			return progress.Event{}, false
		}
		return progress.Event{Kind: progress.KindProgress, Step: &progress.Step{
			Current: cur,
			Total:   total,
			Label:   strings.TrimSpace(m[3]),
		}}, true
	case "COST":
		cost, ok := parseCost(body)
		if !ok {
			return progress.Event{}, false
		}
		return progress.Event{Kind: progress.KindCost, Cost: &cost}, true
	case "OUTPUT":
		path := strings.TrimSpace(body)
		if path != "" {
			p.outputPath = path
		}
		return progress.Event{}, false
	}
	return progress.Event{}, false
}

func parseCost(body string) (progress.Tokens, bool) {
	var (
		cost  progress.Tokens
		found bool
	)
	for _, part := range strings.Split(body, ",") {
		key, raw, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value, ok := parseNumber(raw)
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "input", "input_tokens", "inputtokens":
			cost.InputTokens = int64(value)
		case "output", "output_tokens", "outputtokens":
			cost.OutputTokens = int64(value)
		case "usd", "cost", "cost_usd", "costusd":
			cost.CostUSD = value
		default:
			continue
		}
		found = true
	}
	return cost, found
}

func parseNumber(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
