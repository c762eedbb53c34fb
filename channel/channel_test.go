package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicemode/voicemode/protocol"
)

func TestBackoffDelaySchedule(t *testing.T) {
	initial := time.Second
	max := 30 * time.Second

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, backoffDelay(tt.attempt, initial, max),
			"attempt %d", tt.attempt)
	}
}

type transition struct {
	state State
	err   error
}

// testConfig keeps reconnect cycles fast enough for tests.
func testConfig() Config {
	return Config{
		MaxAttempts:    2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
}

// newWSServer runs handler once per websocket connection.
func newWSServer(t *testing.T, handler func(*websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForState(t *testing.T, transitions <-chan transition, want State) transition {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-transitions:
			if tr.state == want {
				return tr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestConnectAndReceive(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		data, _ := protocol.RecordingStopped().Encode()
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := New(url, testConfig())
	transitions := make(chan transition, 16)
	received := make(chan protocol.Envelope, 16)
	ch.OnStateChange(func(s State, err error) { transitions <- transition{s, err} })
	ch.OnMessage(func(env protocol.Envelope) { received <- env })
	defer ch.Close()

	ch.Connect()
	waitForState(t, transitions, StateOpen)
	assert.True(t, ch.IsConnected())

	select {
	case env := <-received:
		assert.Equal(t, protocol.TypeRecordingStopped, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	ch := New("ws://127.0.0.1:1/ws", testConfig())
	assert.False(t, ch.Send(protocol.StopRecording()))
	assert.ErrorIs(t, ch.Err(), ErrNotConnected)
}

func TestSendDeliversFrame(t *testing.T) {
	got := make(chan []byte, 1)
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil {
			got <- data
		}
	})

	ch := New(url, testConfig())
	transitions := make(chan transition, 16)
	ch.OnStateChange(func(s State, err error) { transitions <- transition{s, err} })
	defer ch.Close()

	ch.Connect()
	waitForState(t, transitions, StateOpen)
	require.True(t, ch.Send(protocol.StartRecording(16000, 1)))

	select {
	case data := <-got:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeStartRecording, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestDeliberateCloseSuppressesReconnect(t *testing.T) {
	dials := make(chan struct{}, 16)
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		dials <- struct{}{}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := New(url, testConfig())
	transitions := make(chan transition, 16)
	ch.OnStateChange(func(s State, err error) { transitions <- transition{s, err} })

	ch.Connect()
	waitForState(t, transitions, StateOpen)
	<-dials

	ch.Close()
	waitForState(t, transitions, StateClosed)

	// Well past several backoff periods; no new dial may arrive.
	select {
	case <-dials:
		t.Fatal("reconnected after deliberate close")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateClosed, ch.State())
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	dials := make(chan *websocket.Conn, 16)
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		dials <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig()
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	ch := New(url, cfg)
	transitions := make(chan transition, 32)
	ch.OnStateChange(func(s State, err error) { transitions <- transition{s, err} })

	ch.Connect()
	waitForState(t, transitions, StateOpen)
	first := <-dials

	// Abnormal drop puts a reconnect attempt on the timer.
	first.Close()
	waitForState(t, transitions, StateConnecting)

	ch.Close()
	waitForState(t, transitions, StateClosed)

	// Well past the scheduled delay; the timer must have been cancelled.
	select {
	case <-dials:
		t.Fatal("reconnect fired after deliberate close")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, StateClosed, ch.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := New("ws://127.0.0.1:1/ws", testConfig())
	ch.Close()
	ch.Close()
	assert.Equal(t, StateClosed, ch.State())
}

func TestTerminalAfterBudgetExhausted(t *testing.T) {
	ch := New("ws://127.0.0.1:1/ws", testConfig())
	transitions := make(chan transition, 32)
	ch.OnStateChange(func(s State, err error) { transitions <- transition{s, err} })

	ch.Connect()
	tr := waitForState(t, transitions, StateClosed)
	assert.ErrorIs(t, tr.err, ErrTerminal)
	assert.False(t, ch.IsConnected())
}

func TestConnectRestartsAfterTerminal(t *testing.T) {
	ch := New("ws://127.0.0.1:1/ws", testConfig())
	transitions := make(chan transition, 32)
	ch.OnStateChange(func(s State, err error) { transitions <- transition{s, err} })

	ch.Connect()
	waitForState(t, transitions, StateClosed)

	// Point the channel at a live server and restart the cycle.
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ch.url = url
	defer ch.Close()

	ch.Connect()
	waitForState(t, transitions, StateOpen)
	assert.True(t, ch.IsConnected())
}

func TestReconnectAfterServerDrop(t *testing.T) {
	dials := make(chan *websocket.Conn, 16)
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		dials <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := New(url, testConfig())
	transitions := make(chan transition, 32)
	ch.OnStateChange(func(s State, err error) { transitions <- transition{s, err} })
	defer ch.Close()

	ch.Connect()
	waitForState(t, transitions, StateOpen)

	// Drop the socket without a close frame; the client must come back.
	first := <-dials
	first.Close()

	waitForState(t, transitions, StateConnecting)
	waitForState(t, transitions, StateOpen)
	<-dials
	assert.True(t, ch.IsConnected())
}

func TestUnparseableFramesAreDropped(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		data, _ := protocol.RecordingStopped().Encode()
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := New(url, testConfig())
	received := make(chan protocol.Envelope, 16)
	ch.OnMessage(func(env protocol.Envelope) { received <- env })
	defer ch.Close()

	ch.Connect()

	select {
	case env := <-received:
		assert.Equal(t, protocol.TypeRecordingStopped, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage never arrived")
	}
}
