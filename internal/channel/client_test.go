package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/park285/chess98-live/internal/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const waitTimeout = 3 * time.Second

// fakeServer accepts one socket per request and hands it to the test.
type fakeServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	paths  chan string
	header chan http.Header
	done   chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conns:  make(chan *websocket.Conn, 4),
		paths:  make(chan string, 4),
		header: make(chan http.Header, 4),
		done:   make(chan struct{}),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.paths <- r.URL.RequestURI()
		fs.header <- r.Header.Clone()
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- c
		select {
		case <-r.Context().Done():
		case <-fs.done:
		}
	}))
	t.Cleanup(func() {
		close(fs.done)
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("server never accepted a socket")
		return nil
	}
}

func TestGameURL(t *testing.T) {
	got, err := GameURL("ws://example.test/", "g-1", "p 1")
	if err != nil {
		t.Fatalf("GameURL: %v", err)
	}
	if got != "ws://example.test/ws/game/g-1?user_id=p+1" {
		t.Fatalf("GameURL=%q", got)
	}
	for _, bad := range []string{"ftp://x", "ws://", "::"} {
		if _, err := GameURL(bad, "g", "p"); !errors.Is(err, ErrBadURL) {
			t.Fatalf("%q: expected ErrBadURL, got %v", bad, err)
		}
	}
	if _, err := GameURL("ws://x", " ", "p"); !errors.Is(err, ErrBadURL) {
		t.Fatalf("empty session id must be rejected")
	}
}

func TestClient_ReceiveSendAndMalformed(t *testing.T) {
	fs := newFakeServer(t)

	starts := make(chan protocol.GameStart, 1)
	malformed := make(chan []byte, 1)
	closed := make(chan error, 1)
	c := NewClient(fs.srv.URL, Options{
		HeaderProvider: func() map[string]string {
			return map[string]string{"Authorization": "Bearer t", "X-Empty": ""}
		},
		PingInterval: -1,
	})
	ctx := context.Background()
	err := c.Connect(ctx, "game-1", "player-1", Handlers{
		OnGameStart: func(m protocol.GameStart) { starts <- m },
		OnMalformed: func(raw []byte, _ error) { malformed <- raw },
		OnClose:     func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if p := <-fs.paths; p != "/ws/game/game-1?user_id=player-1" {
		t.Fatalf("request uri %q", p)
	}
	hdr := <-fs.header
	if hdr.Get("Authorization") != "Bearer t" || hdr.Get("X-Empty") != "" {
		t.Fatalf("unexpected handshake headers: %v", hdr)
	}
	server := fs.accept(t)

	if err := c.Connect(ctx, "game-1", "player-1", Handlers{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect: %v", err)
	}

	if err := server.Write(ctx, websocket.MessageText, []byte(`{"type":"nonsense"}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := server.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"game_start","initial_fen":"startpos","your_time":600,"opponent_time":600,"turn":"white"}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case raw := <-malformed:
		if !strings.Contains(string(raw), "nonsense") {
			t.Fatalf("malformed raw=%q", raw)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("malformed frame not reported")
	}
	select {
	case gs := <-starts:
		if gs.Position() != "startpos" || gs.YourTime != 600 || gs.Turn != protocol.White {
			t.Fatalf("unexpected game_start: %+v", gs)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("game_start not delivered after a malformed frame")
	}

	if err := c.Send(ctx, protocol.MoveMessage("e2e4")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got protocol.Outbound
	readCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	if err := wsjson.Read(readCtx, server, &got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if got.Type != protocol.TypeMove || got.UCI != "e2e4" {
		t.Fatalf("server got %+v", got)
	}
	go drain(server)

	select {
	case err := <-closed:
		t.Fatalf("unexpected OnClose: %v", err)
	default:
	}
}

func TestClient_ServerCloseReportsLoss(t *testing.T) {
	fs := newFakeServer(t)
	closed := make(chan error, 1)
	c := NewClient(fs.srv.URL, Options{PingInterval: -1})
	if err := c.Connect(context.Background(), "g", "p", Handlers{
		OnClose: func(err error) { closed <- err },
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := fs.accept(t)
	_ = server.Close(websocket.StatusGoingAway, "restart")

	select {
	case err := <-closed:
		if err == nil {
			t.Fatalf("OnClose carried no cause")
		}
	case <-time.After(waitTimeout):
		t.Fatalf("transport loss not reported")
	}
	if c.Connected() {
		t.Fatalf("client still reports connected")
	}
	if err := c.Send(context.Background(), protocol.ResignMessage()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after loss: %v", err)
	}
}

func TestClient_DisconnectDoesNotReportLoss(t *testing.T) {
	fs := newFakeServer(t)
	closed := make(chan error, 1)
	c := NewClient(fs.srv.URL, Options{PingInterval: -1})
	if err := c.Connect(context.Background(), "g", "p", Handlers{
		OnClose: func(err error) { closed <- err },
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	server := fs.accept(t)
	go drain(server)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	select {
	case err := <-closed:
		t.Fatalf("OnClose after Disconnect: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_SendWhileClosed(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", Options{})
	if err := c.Send(context.Background(), protocol.CheckTimeoutMessage()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// drain reads until the socket closes so close handshakes complete.
func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.Read(context.Background()); err != nil {
			return
		}
	}
}
