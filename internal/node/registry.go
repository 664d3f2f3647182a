package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

// EventSink receives frames fanned in from every connected node. Handlers
// are expected to be fast and non-blocking; slow consumers should buffer
// internally (e.g. by pushing to a KV event buffer).
type EventSink interface {
	HandleFrame(ctx context.Context, frame Frame)
}

// connection wraps one node's StreamEvents socket.
type connection struct {
	nodeID string
	conn   *websocket.Conn
	done   chan struct{}
	once   sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "closing")
	})
}

// Registry is the control plane's fan-in point for every node's
// bidirectional StreamEvents connection, adapted from the teacher's tunnel
// registry (one map entry per remote peer, a read loop per connection,
// correlation by node id rather than by request id).
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
	sink  EventSink
}

func NewRegistry(sink EventSink) *Registry {
	return &Registry{conns: make(map[string]*connection), sink: sink}
}

// Register adopts an accepted websocket connection for nodeID and starts
// its read loop. It replaces (and closes) any prior connection for the
// same node.
func (r *Registry) Register(nodeID string, conn *websocket.Conn) {
	c := &connection{nodeID: nodeID, conn: conn, done: make(chan struct{})}

	r.mu.Lock()
	if old, ok := r.conns[nodeID]; ok {
		old.close()
	}
	r.conns[nodeID] = c
	r.mu.Unlock()

	go r.readLoop(c)
}

func (r *Registry) Unregister(nodeID string) {
	r.mu.Lock()
	c, ok := r.conns[nodeID]
	if ok {
		delete(r.conns, nodeID)
	}
	r.mu.Unlock()
	if ok {
		c.close()
	}
}

func (r *Registry) Connected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[nodeID]
	return ok
}

func (r *Registry) readLoop(c *connection) {
	defer func() {
		r.Unregister(c.nodeID)
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		_, data, err := c.conn.Read(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("node_id", c.nodeID).Msg("node stream read failed")
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Str("node_id", c.nodeID).Msg("malformed node frame")
			continue
		}
		r.sink.HandleFrame(context.Background(), frame)
	}
}

// Send writes data to nodeID's connection. No component in this
// repository calls it: devnode talks to Docker directly, and Control→Node
// calls go through the node.Client implementations.
func (r *Registry) Send(ctx context.Context, nodeID string, v any) error {
	r.mu.RLock()
	c, ok := r.conns[nodeID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %s not connected", nodeID)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}
