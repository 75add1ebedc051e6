package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Le-Riz/IBEF-Backend/models"
)

// liveQueueSize bounds each client's outbound queue. At 4 frames/s this is
// several seconds of slack; a client that falls further behind is dropped
// rather than allowed to stall the acquisition-side broadcast.
const liveQueueSize = 32

// liveEnvelope is the wire shape of every streamed message. Type is one of
// the closed set below; Data is the matching payload.
type liveEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Envelope types emitted by the live stream.
const (
	liveTypeStatus       = "status"             // StatusResponse, once on attach
	liveTypeFrame        = "processed_data"     // models.ProcessedFrame
	liveTypeTestState    = "test_state_changed" // bool, true while running
	liveTypeHistoryDirty = "history_updated"    // no payload
)

// LiveStream pushes processed frames and test lifecycle transitions to the
// attached WebSocket clients.
//
// Every attach begins with a full status snapshot so a client can render
// before the first frame lands; after that the client only ever sees the
// envelope types above. Writes go through a per-client bounded queue
// drained by one writer goroutine, so a slow or dead client can never block
// the frame cadence; it is detached instead.
type LiveStream struct {
	mu      sync.Mutex
	clients map[*LiveClient]struct{}
	log     *zap.SugaredLogger
}

// LiveClient is one attached connection: its socket, the bounded outbound
// queue, and the teardown latch shared by the paths that may close it.
type LiveClient struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// newLiveStream constructs an empty stream.
func newLiveStream(log *zap.SugaredLogger) *LiveStream {
	return &LiveStream{
		clients: make(map[*LiveClient]struct{}),
		log:     log,
	}
}

// Attach registers a connection, queues its status snapshot as the first
// message, and starts the writer goroutine. The returned handle is passed
// to Detach when the connection's read loop ends.
func (l *LiveStream) Attach(conn *websocket.Conn, snapshot StatusResponse) *LiveClient {
	c := &LiveClient{
		conn: conn,
		out:  make(chan []byte, liveQueueSize),
		done: make(chan struct{}),
	}
	if b, err := json.Marshal(liveEnvelope{Type: liveTypeStatus, Data: snapshot}); err == nil {
		c.out <- b // queue is empty, cannot block
	}

	l.mu.Lock()
	l.clients[c] = struct{}{}
	n := len(l.clients)
	l.mu.Unlock()
	l.log.Debugw("live client attached", "clients", n)

	go l.writeLoop(c)
	return c
}

// Detach unregisters the client and closes its connection. Idempotent; the
// broadcast path, the writer loop and the read loop may all race to it.
func (l *LiveStream) Detach(c *LiveClient) {
	l.mu.Lock()
	delete(l.clients, c)
	l.mu.Unlock()
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writeLoop drains one client's queue onto its connection.
func (l *LiveStream) writeLoop(c *LiveClient) {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				l.Detach(c)
				return
			}
		}
	}
}

// PublishFrame streams one processed frame to every client.
func (l *LiveStream) PublishFrame(f models.ProcessedFrame) {
	l.broadcast(liveTypeFrame, f)
}

// PublishTestState streams a recording-state transition.
func (l *LiveStream) PublishTestState(running bool) {
	l.broadcast(liveTypeTestState, running)
}

// PublishHistoryUpdated tells clients the persisted-test list changed.
func (l *LiveStream) PublishHistoryUpdated() {
	l.broadcast(liveTypeHistoryDirty, nil)
}

// broadcast marshals once and fans out. Clients whose queue is full are
// detached after the pass; dropping them outside the lock keeps the hot
// path free of connection teardown.
func (l *LiveStream) broadcast(typ string, data any) {
	b, err := json.Marshal(liveEnvelope{Type: typ, Data: data})
	if err != nil {
		l.log.Warnw("live envelope marshal failed", "type", typ, "error", err)
		return
	}

	var stalled []*LiveClient
	l.mu.Lock()
	for c := range l.clients {
		select {
		case c.out <- b:
		default:
			stalled = append(stalled, c)
		}
	}
	l.mu.Unlock()

	for _, c := range stalled {
		l.log.Debugw("dropping stalled live client", "type", typ)
		l.Detach(c)
	}
}
