package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	pingInterval      = 20 * time.Second
	pongDeadline      = 60 * time.Second
	keepAliveInterval = 30 * time.Minute
)

// StreamState is reported to the state callback on connectivity changes.
type StreamState string

const (
	StreamConnected StreamState = "CONNECTED"
	StreamRecovered StreamState = "RECOVERED"
	StreamDropped   StreamState = "DROPPED"
	StreamDead      StreamState = "DEAD"
)

// Stream consumes one user's data stream. A single reader goroutine feeds
// the handler; the handler must not block (hand off to a buffer).
type Stream struct {
	client        *Client
	handler       func(StreamEvent)
	onState       func(state StreamState, detail string)
	maxReconnects int
	label         string
}

// NewStream binds a stream to a client's credentials. onState may be nil.
func NewStream(client *Client, label string, maxReconnects int, handler func(StreamEvent), onState func(StreamState, string)) *Stream {
	if maxReconnects <= 0 {
		maxReconnects = 20
	}
	if onState == nil {
		onState = func(StreamState, string) {}
	}
	return &Stream{
		client:        client,
		handler:       handler,
		onState:       onState,
		maxReconnects: maxReconnects,
		label:         label,
	}
}

// Run connects and reads until ctx is done or the reconnect budget is
// exhausted. Missed events during a gap are NOT replayed; the reconciler
// catches up from the next live event.
func (s *Stream) Run(ctx context.Context) error {
	bo := &backoff.Backoff{Min: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: true}
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connected, err := s.runOnce(ctx, attempts > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A session that got as far as reading resets the budget.
			attempts = 0
			bo.Reset()
		}

		attempts++
		if attempts > s.maxReconnects {
			s.onState(StreamDead, fmt.Sprintf("gave up after %d reconnect attempts: %v", s.maxReconnects, err))
			return fmt.Errorf("user stream %s: reconnect budget exhausted: %w", s.label, err)
		}
		wait := bo.Duration()
		s.onState(StreamDropped, fmt.Sprintf("attempt %d/%d in %s: %v", attempts, s.maxReconnects, wait.Round(time.Millisecond), err))
		log.Printf("user stream %s: dropped (%v), reconnecting in %s", s.label, err, wait.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runOnce runs one session. connected reports whether the socket was
// established, which resets the reconnect budget.
func (s *Stream) runOnce(ctx context.Context, isRecovery bool) (connected bool, _ error) {
	key, err := s.client.ListenKey(ctx)
	if err != nil {
		return false, fmt.Errorf("listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.CloseListenKey(closeCtx, key)
	}()

	dialer := websocket.Dialer{HandshakeTimeout: s.client.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.client.wsBaseURL+"/ws/"+key, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if isRecovery {
		s.onState(StreamRecovered, "user stream reconnected")
		log.Printf("user stream %s: recovered", s.label)
	} else {
		s.onState(StreamConnected, "user stream connected")
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongDeadline))
	})

	// Ping and listen-key keepalive run beside the reader; any failure
	// tears the session down through conn.Close.
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	go s.maintain(sessionCtx, conn, key)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		var ev StreamEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Printf("user stream %s: undecodable frame: %v", s.label, err)
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongDeadline))
		s.handler(ev)
	}
}

func (s *Stream) maintain(ctx context.Context, conn *websocket.Conn, key string) {
	ping := time.NewTicker(pingInterval)
	keepAlive := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				conn.Close()
				return
			}
		case <-keepAlive.C:
			kaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.client.KeepAliveListenKey(kaCtx, key)
			cancel()
			if err != nil {
				log.Printf("user stream %s: keepalive failed: %v", s.label, err)
				conn.Close()
				return
			}
		}
	}
}
