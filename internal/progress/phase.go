// Package progress はジョブの進捗モデル（フェーズ・統計・イベント）を提供します。
// サーバー側の Run とクライアント側の Consumer は同じ Reduce を使って状態を更新します。
package progress

import "strings"

// Phase はジョブが現在どの段階にいるかを表します。
type Phase string

const (
	PhaseRequested   Phase = "requested"
	PhaseSearching   Phase = "searching"
	PhasePreparing   Phase = "preparing"
	PhaseGenerating  Phase = "generating"
	PhaseParsing     Phase = "parsing"
	PhasePersisting  Phase = "persisting"
	PhaseIntegrating Phase = "integrating"
	PhaseComplete    Phase = "complete"

	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseError    Phase = "error"
)

// 前進フェーズの順序。吸収状態は含まない。
var phaseOrder = map[Phase]int{
	PhaseRequested:   1,
	PhaseSearching:   2,
	PhasePreparing:   3,
	PhaseGenerating:  4,
	PhaseParsing:     5,
	PhasePersisting:  6,
	PhaseIntegrating: 7,
	PhaseComplete:    8,
}

// ParsePhase は文字列をフェーズに変換します。未知の値は ok=false を返します。
func ParsePhase(raw string) (Phase, bool) {
	p := Phase(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case "request-confirmed", "confirmed":
		return PhaseRequested, true
	case "compressing":
		return PhasePreparing, true
	case "parsing-output":
		return PhaseParsing, true
	case "saving":
		return PhasePersisting, true
	case "harmonizing", "integrating-side-effects":
		return PhaseIntegrating, true
	}
	if _, ok := phaseOrder[p]; ok {
		return p, true
	}
	switch p {
	case PhaseStopping, PhaseStopped, PhaseError:
		return p, true
	}
	return "", false
}

// IsTerminal は complete / stopped / error のいずれかであれば true を返します。
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseStopped || p == PhaseError
}

// IsAbsorbing は stopping / stopped / error を判定します。
func (p Phase) IsAbsorbing() bool {
	return p == PhaseStopping || p == PhaseStopped || p == PhaseError
}

// CanTransition は現在のフェーズから next への遷移が許されるかを返します。
// 前進のみ許可し、吸収状態へは終端以外のどのフェーズからでも遷移できます。
func (p Phase) CanTransition(next Phase) bool {
	if p == next {
		return false
	}
	if p.IsTerminal() {
		return false
	}
	if p == PhaseStopping {
		return next == PhaseStopped
	}
	if next.IsAbsorbing() {
		return true
	}
	if p == "" {
		_, ok := phaseOrder[next]
		return ok
	}
	cur, ok := phaseOrder[p]
	if !ok {
		return false
	}
	nxt, ok := phaseOrder[next]
	return ok && nxt > cur
}

// Outcome はジョブの終了結果です。
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)
