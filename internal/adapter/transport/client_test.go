package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"wheelhouse/internal/domain"
	"wheelhouse/internal/infra/config"
)

// frameHandler receives each request frame and a thread-safe send
// function for pushing frames back to the client.
type frameHandler func(send func(Frame), req Frame)

func newTestServer(t *testing.T, handle frameHandler) config.ServerConfig {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		var wmu sync.Mutex
		send := func(f Frame) {
			wmu.Lock()
			defer wmu.Unlock()
			_ = wsjson.Write(ctx, conn, f)
		}
		for {
			var req Frame
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			handle(send, req)
		}
	}))
	t.Cleanup(srv.Close)

	return config.ServerConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		DialTimeout:    5 * time.Second,
		RequestTimeout: 5 * time.Second,
		Breaker:        config.BreakerConfig{MaxFailures: 5, OpenFor: time.Minute},
	}
}

func dialTest(t *testing.T, cfg config.ServerConfig) *Client {
	t.Helper()
	c, err := Dial(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func respondOK(send func(Frame), req Frame, result json.RawMessage) {
	send(Frame{Type: FrameTypeResponse, ID: req.ID, Payload: result})
}

func TestSendMessageStreamsEventsThenSettles(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		if req.Method != methodPrompt {
			respondOK(send, req, nil)
			return
		}
		for _, ev := range []domain.StreamEvent{
			{Type: domain.EventTextDelta, Text: "Hello "},
			{Type: domain.EventTextDelta, Text: "World"},
			{Type: domain.EventDone},
		} {
			raw, _ := json.Marshal(ev)
			send(Frame{Type: FrameTypeStream, ID: req.ID, Payload: raw})
		}
		respondOK(send, req, nil)
	})
	c := dialTest(t, cfg)

	var events []domain.StreamEvent
	err := c.SendMessage(context.Background(), "sess-1", "hi", func(ev domain.StreamEvent) {
		events = append(events, ev)
	}, "/work")

	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "Hello ", events[0].Text)
	assert.Equal(t, domain.EventDone, events[2].Type)
}

func TestSendMessageSessionLocked(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		send(Frame{
			Type:  FrameTypeResponse,
			ID:    req.ID,
			Error: "session is locked by another client",
			Code:  domain.CodeSessionLocked,
		})
	})
	c := dialTest(t, cfg)

	err := c.SendMessage(context.Background(), "sess-1", "hi", func(domain.StreamEvent) {}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionLocked)
	assert.Equal(t, domain.CodeSessionLocked, domain.ErrorCodeOf(err))
}

func TestSendMessageCancellation(t *testing.T) {
	interrupted := make(chan struct{}, 1)
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		switch req.Method {
		case methodPrompt:
			// Never settle; the client must bail out on its own.
		case methodInterrupt:
			interrupted <- struct{}{}
		default:
			respondOK(send, req, nil)
		}
	})
	c := dialTest(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.SendMessage(ctx, "sess-1", "hi", func(domain.StreamEvent) {}, "")
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage did not return after cancellation")
	}
	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the interrupt")
	}
}

func TestSendMessageCancelledDuringWrite(t *testing.T) {
	interrupted := make(chan struct{}, 1)
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		if req.Method == methodInterrupt {
			interrupted <- struct{}{}
		}
	})
	c := dialTest(t, cfg)

	// The context is already dead when the prompt write starts; the
	// failure must still read as a cancellation, not a transport fault.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.SendMessage(ctx, "sess-1", "hi", func(domain.StreamEvent) {}, "")
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the interrupt")
	}
}

func TestGetMessagesParsesHistory(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		require.Equal(t, methodMessages, req.Method)
		var params queryParams
		require.NoError(t, json.Unmarshal(req.Payload, &params))
		require.Equal(t, "sess-1", params.SessionID)
		require.Equal(t, "/work", params.Cwd)

		respondOK(send, req, payload(t, domain.HistoryResult{Messages: []domain.HistoryMessage{
			{ID: "m1", Role: domain.RoleUser, Content: "hello"},
			{ID: "m2", Role: domain.RoleAssistant, Content: "hi there"},
		}}))
	})
	c := dialTest(t, cfg)

	res, err := c.GetMessages(context.Background(), "sess-1", "/work")
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "m1", res.Messages[0].ID)
	assert.Equal(t, domain.RoleAssistant, res.Messages[1].Role)
}

func TestGetTasksParsesList(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		respondOK(send, req, payload(t, domain.TasksResult{Tasks: []domain.TaskItem{
			{ID: "t1", Subject: "write tests", Status: domain.TaskInProgress},
		}}))
	})
	c := dialTest(t, cfg)

	res, err := c.GetTasks(context.Background(), "sess-1", "")
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, domain.TaskInProgress, res.Tasks[0].Status)
}

func TestEmptyResponsePayloadMeansNoResults(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		respondOK(send, req, nil)
	})
	c := dialTest(t, cfg)

	msgs, err := c.GetMessages(context.Background(), "sess-1", "")
	require.NoError(t, err)
	assert.Empty(t, msgs.Messages)

	tasks, err := c.GetTasks(context.Background(), "sess-1", "")
	require.NoError(t, err)
	assert.Empty(t, tasks.Tasks)
}

func TestQueryBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		send(Frame{Type: FrameTypeResponse, ID: req.ID, Error: "boom", Code: domain.CodeRPCFailed})
	})
	cfg.Breaker.MaxFailures = 2
	c := dialTest(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := c.GetMessages(context.Background(), "sess-1", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrRPCFailed)
	}
	// The breaker is open now; the third query fails fast.
	_, err := c.GetMessages(context.Background(), "sess-1", "")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		respondOK(send, req, nil)
		if req.Method == methodSubscribe {
			send(Frame{Type: FrameTypeNotify, Payload: payload(t, domain.Notification{
				Kind:      domain.NotifyChanged,
				SessionID: "sess-1",
			})})
		}
	})
	c := dialTest(t, cfg)

	ch, stop, err := c.Subscribe(context.Background(), "sess-1")
	require.NoError(t, err)

	select {
	case n := <-ch:
		assert.Equal(t, domain.NotifyChanged, n.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}

	stop()
	if _, ok := <-ch; ok {
		t.Error("channel still open after stop")
	}
	stop() // idempotent
}

func TestCallsFailAfterClose(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		respondOK(send, req, nil)
	})
	c := dialTest(t, cfg)
	require.NoError(t, c.Close())

	_, err := c.GetTasks(context.Background(), "sess-1", "")
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestDialSendsAuthToken(t *testing.T) {
	gotToken := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	cfg := config.ServerConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		AuthToken:   "tok-123",
		DialTimeout: 5 * time.Second,
	}
	c, err := Dial(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer c.Close()

	select {
	case tok := <-gotToken:
		assert.Equal(t, "tok-123", tok)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the dial")
	}
}

func TestErrorEventInsideStreamDoesNotSettleTurn(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		if req.Method != methodPrompt {
			respondOK(send, req, nil)
			return
		}
		for _, ev := range []domain.StreamEvent{
			{Type: domain.EventError, Message: "upstream hiccup"},
			{Type: domain.EventTextDelta, Text: "recovered"},
			{Type: domain.EventDone},
		} {
			raw, _ := json.Marshal(ev)
			send(Frame{Type: FrameTypeStream, ID: req.ID, Payload: raw})
		}
		respondOK(send, req, nil)
	})
	c := dialTest(t, cfg)

	var events []domain.StreamEvent
	err := c.SendMessage(context.Background(), "sess-1", "hi", func(ev domain.StreamEvent) {
		events = append(events, ev)
	}, "")

	// An in-band error event is data, not a transport failure.
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventError, events[0].Type)
	assert.Equal(t, "recovered", events[1].Text)
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	cfg := newTestServer(t, func(send func(Frame), req Frame) {
		send(Frame{Type: FrameType("gossip"), ID: req.ID})
		respondOK(send, req, nil)
	})
	c := dialTest(t, cfg)

	_, err := c.GetTasks(context.Background(), "sess-1", "")
	require.NoError(t, err)
}
