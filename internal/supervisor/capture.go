package supervisor

import (
	"bytes"
	"strings"
	"sync"
)

// 改行が来ないまま溜まった場合に強制的に 1 行として流す上限。
const maxLineBytes = 64 * 1024

// capture は出力を追記専用バッファに保存しつつ、行単位で Handle に流します。
type capture struct {
	h      *Handle
	stream Stream

	mu      sync.Mutex
	buf     bytes.Buffer
	partial []byte
}

func newCapture(h *Handle, stream Stream) *capture {
	return &capture{h: h, stream: stream}
}

func (c *capture) Write(p []byte) (int, error) {
	// 停止要求後の出力はバッファにも残さない
	if !c.h.armed.Load() {
		return len(p), nil
	}

	c.mu.Lock()
	c.buf.Write(p)
	c.partial = append(c.partial, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(c.partial, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(c.partial[:idx]), "\r"))
		c.partial = c.partial[idx+1:]
	}
	if len(c.partial) > maxLineBytes {
		lines = append(lines, string(c.partial))
		c.partial = nil
	}
	c.mu.Unlock()

	for _, line := range lines {
		c.h.emit(c.stream, line)
	}
	return len(p), nil
}

// flush は改行で終わらなかった末尾を 1 行として流します。
func (c *capture) flush() {
	c.mu.Lock()
	rest := c.partial
	c.partial = nil
	c.mu.Unlock()
	if len(rest) > 0 {
		c.h.emit(c.stream, strings.TrimSuffix(string(rest), "\r"))
	}
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
