package items

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/seek-forge/internal/progress"
)

// MaxOutputFileSize は読み込む出力ファイルの上限です。
const MaxOutputFileSize = 8 << 20

// ErrOutsideRoot は出力ファイルが作業ディレクトリの外を指している場合のエラーです。
var ErrOutsideRoot = errors.New("output file is outside the worker directory")

// Document は出力ファイルを読み取った結果です。
type Document struct {
	Path     string
	MIME     string
	Content  string
	Items    []progress.Item
	Embedded *progress.Result
}

// ResolvePath はワーカーが報告したパスを root 配下の絶対パスに解決します。
func ResolvePath(root, reported string) (string, error) {
	reported = strings.TrimSpace(reported)
	if reported == "" {
		return "", fmt.Errorf("output path is empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	path := reported
	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(absRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return path, nil
}

// ReadDocument は出力ファイルを読み、内容の種類を判定して成果物を取り出します。
// JSON なら items 配列（または結果オブジェクト）を、テキストなら Markdown の見出しを使います。
func ReadDocument(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > MaxOutputFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, MaxOutputFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	mtype := mimetype.Detect(data)
	doc := &Document{Path: path, MIME: mtype.String()}
	switch {
	case isJSON(mtype):
		if err := parseJSON(data, doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	case strings.HasPrefix(mtype.String(), "text/"):
		doc.Content = string(data)
		doc.Items = ParseMarkdown(doc.Content)
	default:
		return nil, fmt.Errorf("unsupported output type %s", mtype.String())
	}
	return doc, nil
}

// isJSON は application/json とその派生（GeoJSON など）を JSON として扱います。
func isJSON(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("application/json") {
			return true
		}
	}
	return false
}

type jsonItem struct {
	Title       string `json:"title"`
	Name        string `json:"name"`
	Body        string `json:"body"`
	Description string `json:"description"`
}

func (j jsonItem) item() progress.Item {
	title := j.Title
	if title == "" {
		title = j.Name
	}
	body := j.Body
	if body == "" {
		body = j.Description
	}
	return progress.Item{Title: strings.TrimSpace(title), Body: strings.TrimSpace(body)}
}

func parseJSON(data []byte, doc *Document) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []jsonItem
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		doc.Items = toItems(list)
		return nil
	}

	var obj struct {
		Items   []jsonItem `json:"items"`
		Ideas   []jsonItem `json:"ideas"`
		Content string     `json:"content"`
		Tool    string     `json:"tool"`
		Mode    string     `json:"mode"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	list := obj.Items
	if len(list) == 0 {
		list = obj.Ideas
	}
	doc.Items = toItems(list)
	doc.Content = obj.Content
	if obj.Tool != "" {
		var res progress.Result
		if err := json.Unmarshal(data, &res); err == nil {
			res.Items = doc.Items
			doc.Embedded = &res
		}
	}
	return nil
}

func toItems(list []jsonItem) []progress.Item {
	out := make([]progress.Item, 0, len(list))
	for _, j := range list {
		it := j.item()
		if it.Title == "" && it.Body == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

// ParseMarkdown は "## " 見出しごとに成果物を切り出します。見出しが無ければ空です。
func ParseMarkdown(text string) []progress.Item {
	var (
		out  []progress.Item
		cur  *progress.Item
		body []string
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
		out = append(out, *cur)
		cur, body = nil, nil
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if title, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			cur = &progress.Item{Title: strings.TrimSpace(title)}
			continue
		}
		if strings.HasPrefix(line, "# ") {
			// 文書タイトルは成果物ではない
			flush()
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()
	return out
}
