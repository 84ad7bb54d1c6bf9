package hub

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type named struct {
	Node string `json:"node"`
}

func (named) EventName() string { return "node_created" }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEncode(t *testing.T) {
	msg, err := encode(named{Node: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "event: node_created\ndata: {\"node\":\"10.0.0.1\"}\n\n", string(msg))

	msg, err = encode(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "data: {\"n\":1}\n\n", string(msg))

	_, err = encode(func() {})
	assert.Error(t, err)
}

func TestHub_Stream(t *testing.T) {
	h := New(quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()

	reqCtx, reqCancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected "), line)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Broadcast(named{Node: "10.0.0.7"})

	var got []string
	for len(got) < 2 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			got = append(got, line)
		}
	}
	assert.Equal(t, []string{"event: node_created", `data: {"node":"10.0.0.7"}`}, got)

	reqCancel()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ShutdownRejectsClients(t *testing.T) {
	h := New(quiet())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
