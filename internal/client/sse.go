package client

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// frame は text/event-stream の 1 メッセージです。
type frame struct {
	ID    string
	Event string
	Data  string
}

// readFrames は r から SSE フレームを読み、空行ごとに fn を呼びます。
// activity は行を 1 行読むたびに呼ばれます（コメント行を含む）。
func readFrames(r io.Reader, activity func(), fn func(frame) error) error {
	br := bufio.NewReader(r)
	var (
		cur  frame
		data []string
	)
	dispatch := func() error {
		defer func() {
			cur = frame{}
			data = data[:0]
		}()
		if len(data) == 0 && cur.Event == "" {
			return nil
		}
		cur.Data = strings.Join(data, "\n")
		if cur.Event == "" {
			cur.Event = "message"
		}
		return fn(cur)
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			activity()
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if derr := dispatch(); derr != nil {
					return derr
				}
			} else if !strings.HasPrefix(line, ":") {
				field, value, _ := strings.Cut(line, ":")
				value = strings.TrimPrefix(value, " ")
				switch field {
				case "id":
					cur.ID = value
				case "event":
					cur.Event = value
				case "data":
					data = append(data, value)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if derr := dispatch(); derr != nil {
					return derr
				}
				return nil
			}
			return err
		}
	}
}
