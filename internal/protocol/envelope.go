package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/yourusername/seek-forge/internal/progress"
)

// EnvelopeVersion は現在解釈できるエンベロープのバージョンです。
const EnvelopeVersion = 1

// Envelope はワーカーが 1 行 1 JSON で出力する構造化イベントです。
//
//	{"v":1,"kind":"stat","key":"itemsGenerated","value":8}
type Envelope struct {
	V            int              `json:"v"`
	Kind         string           `json:"kind"`
	Phase        string           `json:"phase,omitempty"`
	Key          string           `json:"key,omitempty"`
	Value        json.RawMessage  `json:"value,omitempty"`
	Current      int              `json:"current,omitempty"`
	Total        int              `json:"total,omitempty"`
	Label        string           `json:"label,omitempty"`
	InputTokens  int64            `json:"inputTokens,omitempty"`
	OutputTokens int64            `json:"outputTokens,omitempty"`
	CostUSD      float64          `json:"costUsd,omitempty"`
	Message      string           `json:"message,omitempty"`
	Path         string           `json:"path,omitempty"`
	Result       *progress.Result `json:"result,omitempty"`
}

// parseEnvelope は行がエンベロープであれば ok=true を返します。
// 未対応バージョンのエンベロープは ok=true かつイベント無しとして読み捨てます。
func (p *Parser) parseEnvelope(line string) ([]progress.Event, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil, false
	}
	if env.V == 0 || env.Kind == "" {
		return nil, false
	}
	if env.V != EnvelopeVersion {
		return nil, true
	}
	p.structured++

	switch progress.Kind(env.Kind) {
	case progress.KindPhase:
		phase, ok := progress.ParsePhase(env.Phase)
		if !ok {
			return nil, true
		}
		p.lastPhase = phase
		return []progress.Event{progress.PhaseEvent(phase)}, true
	case progress.KindStat:
		value, ok := rawNumber(env.Value)
		if !ok || !statKeyPattern.MatchString(env.Key) {
			return nil, true
		}
		return []progress.Event{progress.StatEvent(env.Key, value)}, true
	case progress.KindProgress:
		return []progress.Event{{Kind: progress.KindProgress, Step: &progress.Step{
			Current: env.Current,
			Total:   env.Total,
			Label:   env.Label,
		}}}, true
	case progress.KindCost:
		return []progress.Event{{Kind: progress.KindCost, Cost: &progress.Tokens{
			InputTokens:  env.InputTokens,
			OutputTokens: env.OutputTokens,
			CostUSD:      env.CostUSD,
		}}}, true
	case progress.KindWarning:
		if env.Message == "" {
			return nil, true
		}
		return []progress.Event{progress.WarningEvent(env.Message)}, true
	case progress.KindInfo:
		if env.Message == "" {
			return nil, true
		}
		return []progress.Event{progress.InfoEvent(env.Message)}, true
	case progress.KindResult:
		if env.Result == nil {
			return nil, true
		}
		return []progress.Event{{Kind: progress.KindResult, Result: env.Result}}, true
	case "output":
		if path := strings.TrimSpace(env.Path); path != "" {
			p.outputPath = path
		}
		return nil, true
	}
	return nil, true
}

func rawNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return parseNumber(n.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseNumber(s)
	}
	return 0, false
}

// EncodeEnvelope は Event をエンベロープ 1 行に変換します。
func EncodeEnvelope(ev progress.Event) ([]byte, error) {
	env := Envelope{V: EnvelopeVersion, Kind: string(ev.Kind)}
	switch ev.Kind {
	case progress.KindPhase:
		env.Phase = string(ev.Phase)
	case progress.KindStat:
		env.Key = ev.Key
		env.Value = json.RawMessage(strconv.FormatFloat(ev.Value, 'f', -1, 64))
	case progress.KindProgress:
		if ev.Step != nil {
			env.Current, env.Total, env.Label = ev.Step.Current, ev.Step.Total, ev.Step.Label
		}
	case progress.KindCost:
		if ev.Cost != nil {
			env.InputTokens, env.OutputTokens, env.CostUSD = ev.Cost.InputTokens, ev.Cost.OutputTokens, ev.Cost.CostUSD
		}
	case progress.KindWarning, progress.KindInfo:
		env.Message = ev.Message
	case progress.KindResult:
		env.Result = ev.Result
	default:
		return nil, fmt.Errorf("kind %q cannot be encoded as an envelope", ev.Kind)
	}
	return json.Marshal(env)
}

// FormatStat は [STAT:key=value] マーカーを返します。
func FormatStat(key string, value float64) string {
	return fmt.Sprintf("[STAT:%s=%s]", key, strconv.FormatFloat(value, 'f', -1, 64))
}

// EncodeStats は StatMap をキー昇順のマーカー行に変換します。
func EncodeStats(stats progress.StatMap) []string {
	lines := make([]string, 0, len(stats))
	for _, key := range stats.Keys() {
		lines = append(lines, FormatStat(key, stats[key]))
	}
	return lines
}
