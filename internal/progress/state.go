package progress

// State は 1 ジョブ分の表示用状態です。Reduce 以外から書き換えないでください。
type State struct {
	Phase     Phase    `json:"phase"`
	Stats     StatMap  `json:"stats"`
	Step      *Step    `json:"step,omitempty"`
	Tokens    Tokens   `json:"tokens"`
	Warnings  []string `json:"warnings,omitempty"`
	LastInfo  string   `json:"lastInfo,omitempty"`
	Result    *Result  `json:"result,omitempty"`
	Completed bool     `json:"completed"`
	Failure   *Failure `json:"failure,omitempty"`
}

// NewState は初期状態を返します。
func NewState() State {
	return State{Stats: StatMap{}}
}

// Terminal はこれ以上イベントを受け付けない状態かを返します。
func (s State) Terminal() bool {
	return s.Phase.IsTerminal() || s.Completed || s.Failure != nil
}

// Reduce はイベントを 1 件適用した新しい状態を返します。
// 同じイベントを再適用しても結果は変わりません（stat は上書き、不正なフェーズ遷移は無視）。
func Reduce(s State, ev Event) State {
	if s.Stats == nil {
		s.Stats = StatMap{}
	}
	switch ev.Kind {
	case KindPhase:
		if s.Phase.CanTransition(ev.Phase) {
			s.Phase = ev.Phase
			s.Step = nil
		}
	case KindStat:
		if ev.Key == "" {
			return s
		}
		stats := s.Stats.Clone()
		stats[ev.Key] = ev.Value
		s.Stats = stats
	case KindProgress:
		if ev.Step != nil {
			step := *ev.Step
			s.Step = &step
		}
	case KindCost:
		if ev.Cost != nil {
			s.Tokens = s.Tokens.Add(*ev.Cost)
		}
	case KindWarning:
		if ev.Message != "" {
			s.Warnings = append(append([]string(nil), s.Warnings...), ev.Message)
		}
	case KindInfo:
		s.LastInfo = ev.Message
	case KindResult:
		if ev.Result != nil {
			s.Result = ev.Result
			// 結果側にしか無いキーだけ補う。ストリームで届いた値を優先する。
			stats := s.Stats.Clone()
			for k, v := range ev.Result.Stats {
				if _, ok := stats[k]; !ok {
					stats[k] = v
				}
			}
			s.Stats = stats
		}
	case KindComplete:
		if !s.Phase.IsAbsorbing() {
			s.Phase = PhaseComplete
			s.Completed = true
		}
	case KindError:
		// 直前の phase:error イベントで error に入っている場合は失敗内容だけ受け取る
		if s.Failure != nil || s.Completed || s.Phase == PhaseStopping || s.Phase == PhaseStopped || s.Phase == PhaseComplete {
			return s
		}
		s.Phase = PhaseError
		f := ev.Failure
		if f == nil {
			f = &Failure{Message: ev.Message}
		}
		s.Failure = f
	}
	return s
}
