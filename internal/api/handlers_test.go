//go:build !windows

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/seek-forge/internal/items"
	"github.com/yourusername/seek-forge/internal/jobs"
	"github.com/yourusername/seek-forge/internal/reconcile"
	"github.com/yourusername/seek-forge/internal/supervisor"
)

type frame struct {
	ID    string
	Event string
	Data  string
}

func newRouter(t *testing.T, script string, counter reconcile.Counter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seek.sh"), []byte(script), 0o644))
	svc, err := jobs.NewService(jobs.Options{
		WorkerCommand:  "/bin/sh",
		WorkerDir:      dir,
		Tools:          map[string]string{"seek": "seek.sh"},
		DefaultTool:    "seek",
		MaxDuration:    30 * time.Second,
		ErrorMaxLength: 2000,
		LegacyFallback: true,
	}, supervisor.New(300*time.Millisecond, zerolog.Nop()), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	router := gin.New()
	NewHandlers(svc, counter, zerolog.Nop()).Register(router.Group("/api"))
	return router
}

func parseFrames(t *testing.T, body string) []frame {
	t.Helper()
	var frames []frame
	var cur frame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				frames = append(frames, cur)
			}
			cur = frame{}
		case strings.HasPrefix(line, "id:"):
			cur.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.Data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	require.NoError(t, scanner.Err())
	return frames
}

func post(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSeekStreamWritesOrderedFrames(t *testing.T) {
	router := newRouter(t, `
echo "[PHASE:searching]"
echo "[STAT:itemsGenerated=2]"
echo "[PHASE:generating] [PROGRESS:1/1]"
echo "## Alpha"
`, nil)

	rec := post(router, "/api/seek-stream", `{"mode":"insights","days":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream"))
	assert.NotEmpty(t, rec.Header().Get("X-Job-Id"))

	frames := parseFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)
	for i, f := range frames {
		assert.Equal(t, strconv.Itoa(i+1), f.ID)
	}
	assert.Equal(t, "phase", frames[0].Event)
	assert.JSONEq(t, `{"phase":"requested"}`, frames[0].Data)

	last := frames[len(frames)-1]
	assert.Equal(t, "complete", last.Event)

	resultAt, completeAt := -1, -1
	for i, f := range frames {
		switch f.Event {
		case "result":
			resultAt = i
		case "complete":
			completeAt = i
		case "error":
			t.Fatalf("unexpected error frame: %s", f.Data)
		}
	}
	require.GreaterOrEqual(t, resultAt, 0)
	assert.Less(t, resultAt, completeAt)

	var result struct {
		Tool  string             `json:"tool"`
		Mode  string             `json:"mode"`
		Stats map[string]float64 `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[resultAt].Data), &result))
	assert.Equal(t, "seek", result.Tool)
	assert.Equal(t, "insights", result.Mode)
	assert.Equal(t, 2.0, result.Stats["itemsGenerated"])
}

func TestSeekStreamFailureEndsWithErrorFrame(t *testing.T) {
	router := newRouter(t, `
echo "[PHASE:searching]"
echo "Traceback (most recent call last):" >&2
echo "  File \"seek.py\", line 3" >&2
echo "ValueError: no conversations" >&2
exit 3
`, nil)

	rec := post(router, "/api/seek-stream", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.Equal(t, "error", last.Event)

	var failure struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		ExitCode int    `json:"exitCode"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.Data), &failure))
	assert.Equal(t, jobs.CodeWorkerFailed, failure.Code)
	assert.Equal(t, 3, failure.ExitCode)
	assert.Contains(t, failure.Message, "ValueError: no conversations")
	for _, f := range frames {
		assert.NotEqual(t, "complete", f.Event)
	}
}

func TestSeekStreamRejectsBadInputBeforeStreaming(t *testing.T) {
	router := newRouter(t, `echo ok`, nil)

	rec := post(router, "/api/seek-stream", `{"days":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_INPUT")

	rec = post(router, "/api/seek-stream", `{"days":999}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Job-Id"))

	rec = post(router, "/api/seek-stream", `{"tool":"other"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateReturnsSingleResponse(t *testing.T) {
	router := newRouter(t, `
echo "[PHASE:generating]"
echo "[STAT:itemsGenerated=1]"
mkdir -p out
printf '## Alpha\nfirst idea\n' > out/ideas.md
echo "[OUTPUT:out/ideas.md]"
`, nil)

	rec := post(router, "/api/generate", `{"mode":"insights"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "seek", resp.Tool)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "Alpha", resp.Items[0].Title)
	assert.Equal(t, 1.0, resp.Stats["itemsGenerated"])
	assert.Empty(t, resp.Error)
}

func TestGenerateReportsNothingProduced(t *testing.T) {
	router := newRouter(t, `echo "[STAT:itemsGenerated=0]"`, nil)

	rec := post(router, "/api/generate", ``)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestGenerateWorkerFailure(t *testing.T) {
	router := newRouter(t, `echo "Error: model unavailable" >&2; exit 2`, nil)

	rec := post(router, "/api/generate", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, jobs.CodeWorkerFailed, resp.Code)
	assert.Contains(t, resp.Error, "model unavailable")
}

func TestItemsCount(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	_, err := mr.SAdd("seek:items", "a", "b", "c")
	require.NoError(t, err)

	router := newRouter(t, `echo ok`, items.NewStore(rdb, "seek:items"))
	req := httptest.NewRequest(http.MethodGet, "/api/items/count", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":3}`, rec.Body.String())
}

func TestItemsCountFailure(t *testing.T) {
	failing := reconcile.CounterFunc(func(context.Context) (int64, error) {
		return 0, errors.New("store down")
	})
	router := newRouter(t, `echo ok`, failing)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/count", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	router = newRouter(t, `echo ok`, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/count", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownJobEndpoints(t *testing.T) {
	router := newRouter(t, `echo ok`, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "JOB_NOT_FOUND")

	rec = post(router, "/api/jobs/missing/cancel", ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRespondWithErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		code int
	}{
		{jobs.ErrInvalidRequest, http.StatusBadRequest},
		{supervisor.ErrSpawn, http.StatusInternalServerError},
		{context.Canceled, http.StatusRequestTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		respondWithError(c, tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}
