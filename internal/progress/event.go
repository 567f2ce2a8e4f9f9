package progress

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind はイベントの種別です。
type Kind string

const (
	KindPhase    Kind = "phase"
	KindStat     Kind = "stat"
	KindProgress Kind = "progress"
	KindCost     Kind = "cost"
	KindWarning  Kind = "warning"
	KindInfo     Kind = "info"
	KindResult   Kind = "result"
	KindComplete Kind = "complete"
	// KindError はストリームを終了させる失敗イベントです。
	KindError Kind = "error"
)

// StatMap は統計値のキーと数値の対応です。同じキーは後勝ちで上書きされます。
type StatMap map[string]float64

// Clone は StatMap のコピーを返します。
func (m StatMap) Clone() StatMap {
	out := make(StatMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys はキーを昇順で返します。
func (m StatMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup は値と存在有無を返します。
func (m StatMap) Lookup(key string) (float64, bool) {
	v, ok := m[key]
	return v, ok
}

// Step はフェーズ内の細かい進捗です。
type Step struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label,omitempty"`
}

// Tokens はトークン数とコストの累計（または増分）です。
type Tokens struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Add は増分を加算した値を返します。
func (t Tokens) Add(delta Tokens) Tokens {
	return Tokens{
		InputTokens:  t.InputTokens + delta.InputTokens,
		OutputTokens: t.OutputTokens + delta.OutputTokens,
		CostUSD:      t.CostUSD + delta.CostUSD,
	}
}

// Failure は error イベントのペイロードです。
type Failure struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ExitCode int    `json:"exitCode"`
}

// Event は 1 件の進捗イベントです。Kind に応じて使われるフィールドが変わります。
type Event struct {
	Kind    Kind
	Phase   Phase
	Key     string
	Value   float64
	Step    *Step
	Cost    *Tokens
	Message string
	Result  *Result
	Failure *Failure
}

// PhaseEvent などはイベント生成のショートハンドです。
func PhaseEvent(p Phase) Event { return Event{Kind: KindPhase, Phase: p} }

func StatEvent(key string, value float64) Event {
	return Event{Kind: KindStat, Key: key, Value: value}
}

func WarningEvent(msg string) Event { return Event{Kind: KindWarning, Message: msg} }

func InfoEvent(msg string) Event { return Event{Kind: KindInfo, Message: msg} }

func CompleteEvent() Event { return Event{Kind: KindComplete} }

type phaseData struct {
	Phase Phase `json:"phase"`
}

type statData struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

type messageData struct {
	Message string `json:"message"`
}

// Data は SSE の data 行に載せる値を返します。
func (e Event) Data() any {
	switch e.Kind {
	case KindPhase:
		return phaseData{Phase: e.Phase}
	case KindStat:
		return statData{Key: e.Key, Value: e.Value}
	case KindProgress:
		if e.Step == nil {
			return Step{}
		}
		return e.Step
	case KindCost:
		if e.Cost == nil {
			return Tokens{}
		}
		return e.Cost
	case KindWarning, KindInfo:
		return messageData{Message: e.Message}
	case KindResult:
		return e.Result
	case KindError:
		if e.Failure == nil {
			return Failure{Message: e.Message}
		}
		return e.Failure
	default:
		return struct{}{}
	}
}

// DecodeEvent は SSE の event 名と data から Event を復元します。
func DecodeEvent(kind string, data []byte) (Event, error) {
	ev := Event{Kind: Kind(kind)}
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch ev.Kind {
	case KindPhase:
		var d phaseData
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, err
		}
		p, ok := ParsePhase(string(d.Phase))
		if !ok {
			return ev, fmt.Errorf("unknown phase %q", d.Phase)
		}
		ev.Phase = p
	case KindStat:
		var d statData
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, err
		}
		ev.Key, ev.Value = d.Key, d.Value
	case KindProgress:
		var d Step
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, err
		}
		ev.Step = &d
	case KindCost:
		var d Tokens
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, err
		}
		ev.Cost = &d
	case KindWarning, KindInfo:
		var d messageData
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, err
		}
		ev.Message = d.Message
	case KindResult:
		var d Result
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, err
		}
		ev.Result = &d
	case KindError:
		var d Failure
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, err
		}
		ev.Failure = &d
		ev.Message = d.Message
	case KindComplete:
	default:
		return ev, fmt.Errorf("unknown event kind %q", kind)
	}
	return ev, nil
}
