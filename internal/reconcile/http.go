package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCounter は件数エンドポイント（{"count": N} を返す GET）を問い合わせます。
type HTTPCounter struct {
	URL    string
	Client *http.Client
}

// NewHTTPCounter は 10 秒のタイムアウト付きで HTTPCounter を作成します。
func NewHTTPCounter(url string) *HTTPCounter {
	return &HTTPCounter{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type countResponse struct {
	Count *int64 `json:"count"`
}

func (h *HTTPCounter) Count(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("count request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("count request returned %d", resp.StatusCode)
	}
	var body countResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	if body.Count == nil {
		return 0, fmt.Errorf("count response has no count field")
	}
	return *body.Count, nil
}
