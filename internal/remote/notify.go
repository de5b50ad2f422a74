package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter       = 10 * time.Second
	disconnectAfter = 120 * time.Second
	heartbeatEvery  = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
)

// initMessage is sent as the first frame after connecting.
type initMessage struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	Device string `json:"device"`
}

// changeMessage reports that the remote store changed. It names the path
// and revision for logging only; the payload is a hint, never a source of
// truth, and the reconciler always re-lists before acting.
type changeMessage struct {
	Op       string `json:"op"`
	Path     string `json:"path"`
	Revision int64  `json:"revision"`
	Device   string `json:"device"`
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

// NotifierConfig holds the parameters for a push-notification channel.
type NotifierConfig struct {
	URL    string // remote base URL; http(s) schemes are rewritten to ws(s)
	Token  string
	Device string

	// OnChange is invoked for every change frame from the server. It must
	// be cheap and non-blocking; the scheduler's debounce absorbs bursts.
	OnChange func()
}

// Notifier maintains a WebSocket connection to the remote store's push
// channel. Frames carry change hints only, no file content. The
// connection reconnects with capped exponential backoff and jitter;
// losing it degrades sync to timer-driven passes, never breaks it.
type Notifier struct {
	cfg    NotifierConfig
	logger *slog.Logger

	conn        *websocket.Conn
	lastMessage time.Time
}

// NewNotifier creates a push-channel listener.
func NewNotifier(cfg NotifierConfig, logger *slog.Logger) *Notifier {
	return &Notifier{cfg: cfg, logger: logger}
}

// Run connects and processes frames until ctx is cancelled. Connection
// errors trigger reconnection; only context cancellation returns.
func (n *Notifier) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		err := n.connectAndListen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		n.logger.Warn("push channel lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff+jitter),
		)

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, reconnectMax)
	}
}

// connectAndListen dials, sends init, and runs one connection's event
// loop. Returns the error that ended the connection.
func (n *Notifier) connectAndListen(ctx context.Context) error {
	url := wsURL(n.cfg.URL) + "/v1/notify"
	n.logger.Debug("connecting push channel", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + n.cfg.Token},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing push channel: %w", err)
	}
	n.conn = conn
	n.lastMessage = time.Now()
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	init := initMessage{Op: "init", Token: n.cfg.Token, Device: n.cfg.Device}
	if err := n.writeJSON(ctx, init); err != nil {
		return fmt.Errorf("sending init: %w", err)
	}

	n.logger.Info("push channel connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reader goroutine feeds the event loop; the channel is captured by
	// value so a stale reader cannot write into a newer connection's loop.
	ch := make(chan inboundMsg, 16)
	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case msg := <-ch:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			n.lastMessage = time.Now()
			n.handleFrame(msg.data)

		case <-ticker.C:
			elapsed := time.Since(n.lastMessage)
			if elapsed > disconnectAfter {
				conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}
			if elapsed > pingAfter {
				if err := n.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame dispatches a single inbound text frame on its op field.
func (n *Notifier) handleFrame(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":

	case "change":
		var change changeMessage
		if err := json.Unmarshal(data, &change); err != nil {
			n.logger.Warn("failed to decode change frame", slog.String("error", err.Error()))
			return
		}
		n.logger.Debug("remote change hint",
			slog.String("path", change.Path),
			slog.Int64("revision", change.Revision),
			slog.String("device", change.Device),
		)
		if n.cfg.OnChange != nil {
			n.cfg.OnChange()
		}

	default:
		n.logger.Debug("unexpected push frame", slog.String("op", op))
	}
}

func (n *Notifier) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	return n.conn.Write(ctx, websocket.MessageText, data)
}

// wsURL rewrites an http(s) base URL to its ws(s) equivalent.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
