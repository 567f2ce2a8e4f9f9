// Package errclass は非ゼロ終了したワーカーの出力から、利用者に見せるエラー文を取り出します。
package errclass

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxLength = 2000
	DefaultTailLines = 50
	DefaultTailChars = 1000
)

var (
	traceStartPattern = regexp.MustCompile(`^(?:Traceback \(most recent call last\):|panic: )`)
	errorLinePattern  = regexp.MustCompile(`^\s*(?:[A-Za-z_][\w.]*(?:Error|Exception)|Error|ERROR|Exception|FATAL|Fatal)\b\s*[:\-]`)
	glyphLinePattern  = regexp.MustCompile(`^\s*(?:❌|✗|✖|\[ERROR\]|\[FAILED\])`)
	keywordPattern    = regexp.MustCompile(`(?i)\b(?:error|fail(?:ed|ure)?|exception|denied|not found|timed? ?out)\b`)
)

// Classifier は抽出ルールの上限値を保持します。ゼロ値はデフォルト値として扱います。
type Classifier struct {
	MaxLength int
	TailLines int
	TailChars int
}

// Classify は出力全体と終了コードから 1 つのエラー文を返します。上から順に最初に一致したものを採用します。
//  1. トレースバック（panic）ブロック全体
//  2. エラー語彙で始まる行
//  3. 失敗を示す記号で始まる行
//  4. 失敗キーワードがあれば末尾 N 行、なければ末尾 M 文字
func (c Classifier) Classify(output string, exitCode int) string {
	output = strings.TrimSpace(strings.ReplaceAll(output, "\r\n", "\n"))
	if output == "" {
		return c.truncate(fmt.Sprintf("worker exited with code %d", exitCode))
	}
	lines := strings.Split(output, "\n")

	if block := lastTraceBlock(lines); block != "" {
		return c.truncate(block)
	}
	if matched := matchingLines(lines, errorLinePattern); matched != "" {
		return c.truncate(matched)
	}
	if matched := matchingLines(lines, glyphLinePattern); matched != "" {
		return c.truncate(matched)
	}

	if keywordPattern.MatchString(output) {
		n := c.tailLines()
		if len(lines) > n {
			lines = lines[len(lines)-n:]
		}
		return c.truncate(strings.Join(lines, "\n"))
	}
	return c.truncate(tailChars(output, c.tailChars()))
}

// lastTraceBlock は最後のトレースバックから、その後の最初のインデント無し行（例外行）までを返します。
func lastTraceBlock(lines []string) string {
	start := -1
	for i, line := range lines {
		if traceStartPattern.MatchString(line) {
			start = i
		}
	}
	if start < 0 {
		return ""
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		line := lines[i]
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if strings.HasPrefix(lines[start], "Traceback") {
			// 例外行を含めて終了
			end = i + 1
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

func matchingLines(lines []string, pattern *regexp.Regexp) string {
	var (
		out  []string
		seen = map[string]bool{}
	)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || seen[trimmed] || !pattern.MatchString(line) {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// truncate は MaxLength 以内に収め、省略した文字数を末尾に付けます。末尾の注記も上限に含みます。
func (c Classifier) truncate(s string) string {
	limit := c.maxLength()
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	for keep := limit; keep >= 0; keep-- {
		suffix := fmt.Sprintf("… (%d characters omitted)", len(runes)-keep)
		if keep+utf8.RuneCountInString(suffix) <= limit {
			return string(runes[:keep]) + suffix
		}
	}
	return string(runes[:limit])
}

func (c Classifier) maxLength() int {
	if c.MaxLength > 0 {
		return c.MaxLength
	}
	return DefaultMaxLength
}

func (c Classifier) tailLines() int {
	if c.TailLines > 0 {
		return c.TailLines
	}
	return DefaultTailLines
}

func (c Classifier) tailChars() int {
	if c.TailChars > 0 {
		return c.TailChars
	}
	return DefaultTailChars
}
