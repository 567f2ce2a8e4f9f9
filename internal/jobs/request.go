package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const (
	DefaultMode = "insights"
	MaxDays     = 365
	dateLayout  = "2006-01-02"
)

var (
	// ErrInvalidRequest はリクエストの形式や値が不正な場合のエラーです（HTTP 400）。
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownTool は設定に無いツールを指定された場合のエラーです（HTTP 400）。
	ErrUnknownTool = errors.New("unknown tool")

	modePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
)

// Request はジョブの起動パラメータです。
type Request struct {
	Tool        string   `json:"tool"`
	Mode        string   `json:"mode"`
	Days        int      `json:"days,omitempty"`
	StartDate   string   `json:"startDate,omitempty"`
	EndDate     string   `json:"endDate,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	DryRun      bool     `json:"dryRun,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Normalize はデフォルト値を補い、値の妥当性を検証します。
func (r *Request) Normalize(defaultTool string) error {
	if r.Tool == "" {
		r.Tool = defaultTool
	}
	if r.Mode == "" {
		r.Mode = DefaultMode
	}
	if !modePattern.MatchString(r.Mode) {
		return invalid("mode %q is not a valid mode name", r.Mode)
	}

	hasRange := r.StartDate != "" || r.EndDate != ""
	if r.Days != 0 && hasRange {
		return invalid("days and startDate/endDate are mutually exclusive")
	}
	if r.Days < 0 || r.Days > MaxDays {
		return invalid("days must be between 1 and %d", MaxDays)
	}
	if hasRange {
		if r.StartDate == "" || r.EndDate == "" {
			return invalid("startDate and endDate must be given together")
		}
		start, err := time.Parse(dateLayout, r.StartDate)
		if err != nil {
			return invalid("startDate must be YYYY-MM-DD")
		}
		end, err := time.Parse(dateLayout, r.EndDate)
		if err != nil {
			return invalid("endDate must be YYYY-MM-DD")
		}
		if end.Before(start) {
			return invalid("endDate is before startDate")
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return invalid("temperature must be between 0 and 2")
	}
	if r.Threshold != nil && (*r.Threshold < 0 || *r.Threshold > 1) {
		return invalid("threshold must be between 0 and 1")
	}
	return nil
}

// Args はワーカーに渡すフラグを組み立てます。
func (r Request) Args() []string {
	args := []string{"--mode", r.Mode}
	switch {
	case r.Days > 0:
		args = append(args, "--days", strconv.Itoa(r.Days))
	case r.StartDate != "":
		args = append(args, "--start-date", r.StartDate, "--end-date", r.EndDate)
	}
	if r.Temperature != nil {
		args = append(args, "--temperature", strconv.FormatFloat(*r.Temperature, 'f', -1, 64))
	}
	if r.Threshold != nil {
		args = append(args, "--threshold", strconv.FormatFloat(*r.Threshold, 'f', -1, 64))
	}
	if r.DryRun {
		args = append(args, "--dry-run")
	}
	return args
}
