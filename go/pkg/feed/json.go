package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketdata-engine/go/pkg/shared"
)

const (
	jsonPongWait   = 60 * time.Second
	jsonPingPeriod = 20 * time.Second
	jsonWriteWait  = 5 * time.Second
)

// controlFrame is the subscribe/unsubscribe request sent upstream.
type controlFrame struct {
	Action string   `json:"action"`
	Tokens []string `json:"tokens"`
}

// JSONSession reads JSON quote frames from a generic websocket feed. Frames
// are handed over raw and normalised by the engine.
type JSONSession struct {
	base
	slot   int
	url    string
	dialer *websocket.Dialer
	log    shared.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	stop    chan struct{}
	writeMu sync.Mutex
}

func NewJSONSession(slot int, url string, timeout time.Duration, log shared.Logger) *JSONSession {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JSONSession{
		base:   newBase(defaultEventBuffer),
		slot:   slot,
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
		log:    log,
	}
}

func (j *JSONSession) Connect(ctx context.Context) error {
	j.connMu.Lock()
	defer j.connMu.Unlock()
	if j.conn != nil {
		return nil
	}
	conn, _, err := j.dialer.DialContext(ctx, j.url, nil)
	if err != nil {
		return fmt.Errorf("slot %d dial %s: %v: %w", j.slot, j.url, err, shared.ErrConnectionFailed)
	}
	stop := make(chan struct{})
	j.conn, j.stop = conn, stop

	if tokens := j.desired(); len(tokens) > 0 {
		if err := j.send(conn, controlFrame{Action: "subscribe", Tokens: tokens}); err != nil {
			_ = conn.Close()
			j.conn, j.stop = nil, nil
			return fmt.Errorf("slot %d resubscribe: %v: %w", j.slot, err, shared.ErrConnectionFailed)
		}
	}
	j.log.Printf("[ws] slot=%d connected to %s; %d tokens", j.slot, j.url, len(j.desired()))

	go j.readLoop(conn, stop)
	go j.pingLoop(conn, stop)
	return nil
}

func (j *JSONSession) Disconnect() error {
	j.connMu.Lock()
	conn, stop := j.conn, j.stop
	j.conn, j.stop = nil, nil
	j.connMu.Unlock()
	if conn == nil {
		return nil
	}
	close(stop)
	j.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(jsonWriteWait))
	j.writeMu.Unlock()
	return conn.Close()
}

func (j *JSONSession) current() *websocket.Conn {
	j.connMu.Lock()
	defer j.connMu.Unlock()
	return j.conn
}

func (j *JSONSession) AddInstrument(token string) error {
	if !j.track(token) {
		return nil
	}
	if conn := j.current(); conn != nil {
		return j.send(conn, controlFrame{Action: "subscribe", Tokens: []string{token}})
	}
	return nil
}

func (j *JSONSession) RemoveInstrument(token string) error {
	if !j.untrack(token) {
		return nil
	}
	if conn := j.current(); conn != nil {
		return j.send(conn, controlFrame{Action: "unsubscribe", Tokens: []string{token}})
	}
	return nil
}

func (j *JSONSession) send(conn *websocket.Conn, f controlFrame) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(jsonWriteWait))
	return conn.WriteJSON(f)
}

func (j *JSONSession) readLoop(conn *websocket.Conn, stop chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(jsonPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(jsonPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			j.connMu.Lock()
			if j.conn == conn {
				j.conn, j.stop = nil, nil
			}
			j.connMu.Unlock()
			_ = conn.Close()
			select {
			case <-stop:
			default:
				j.emitDisconnect(stop, fmt.Errorf("slot %d read: %v: %w", j.slot, err, shared.ErrConnectionFailed))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(jsonPongWait))
		for _, raw := range decodeFrames(data) {
			j.emit(Event{Kind: EventRaw, Raw: raw})
		}
	}
}

func (j *JSONSession) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	t := time.NewTicker(jsonPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			j.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(jsonWriteWait))
			j.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// decodeFrames accepts a single object or an array of objects. Anything
// else is ignored.
func decodeFrames(data []byte) []map[string]any {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '[' {
		var many []map[string]any
		if err := json.Unmarshal(data, &many); err != nil {
			return nil
		}
		return many
	}
	var one map[string]any
	if err := json.Unmarshal(data, &one); err != nil || one == nil {
		return nil
	}
	return []map[string]any{one}
}
