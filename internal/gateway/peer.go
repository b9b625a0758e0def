package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 32 << 20
	sendQueueSize  = 256
)

// Peer is one WebSocket connection. Frames from a peer are dispatched
// strictly in arrival order; writes go through a single pump.
type Peer struct {
	g    *Gateway
	conn *websocket.Conn

	mu         sync.Mutex
	connected  bool
	superseded bool
	info       protocol.PeerInfo

	// node attachments, kept for rehydration
	nodeRuntime *protocol.NodeRuntime
	nodeTools   []protocol.ToolDefinition

	send chan []byte
	done chan struct{}
}

// NewPeer wraps an upgraded connection. Run starts the pumps.
func NewPeer(g *Gateway, conn *websocket.Conn) *Peer {
	return &Peer{
		g:    g,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Key identifies the peer in the registry. Channel adapters key on
// channel and account so multiple accounts of one platform can coexist.
func (p *Peer) Key() string {
	if p.info.Mode == protocol.ModeChannel {
		return protocol.ModeChannel + ":" + p.info.ChannelID + ":" + p.info.AccountID
	}
	return p.info.Mode + ":" + p.info.ID
}

// Run drives the connection until it closes.
func (p *Peer) Run(ctx context.Context) {
	go p.writePump()
	p.readPump(ctx)
}

func (p *Peer) readPump(ctx context.Context) {
	defer func() {
		p.g.dropPeer(p)
		p.Close()
	}()
	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.g.logger.Warn("security.frame_rejected", "peer", p.Key(), "error", err)
			continue
		}
		if !frame.Valid() {
			p.g.logger.Warn("security.frame_rejected", "peer", p.Key(), "reason", "invalid frame")
			continue
		}
		// In-order dispatch: one frame at a time per peer.
		p.g.dispatch(ctx, p, &frame)
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case data, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// enqueue queues an encodable frame for the write pump. Full queues drop
// the frame rather than block the caller.
func (p *Peer) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.g.logger.Error("gateway.encode_failed", "peer", p.Key(), "error", err)
		return
	}
	select {
	case p.send <- data:
	case <-p.done:
	default:
		p.g.logger.Warn("gateway.send_queue_full", "peer", p.Key())
	}
}

// SendEvent writes an evt frame.
func (p *Peer) SendEvent(event string, payload interface{}) {
	p.enqueue(protocol.NewEvent(event, payload))
}

// SendResult writes an ok res frame.
func (p *Peer) SendResult(id string, payload interface{}) {
	p.enqueue(protocol.NewOK(id, payload))
}

// SendError writes a failed res frame.
func (p *Peer) SendError(id string, shape *protocol.ErrorShape) {
	p.enqueue(protocol.NewFail(id, shape))
}

// SendRequest writes a req frame to the peer.
func (p *Peer) SendRequest(id, method string, params interface{}) {
	p.enqueue(protocol.NewReq(id, method, params))
}

// Close shuts the connection down.
func (p *Peer) Close() {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	close(p.done)
	p.mu.Unlock()
	p.conn.Close()
}

// Evict closes the socket with the eviction code used for desynced
// peers.
func (p *Peer) Evict() {
	msg := websocket.FormatCloseMessage(protocol.CloseEvicted, "evicted")
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	p.conn.WriteMessage(websocket.CloseMessage, msg)
	p.Close()
}

// supersede marks the peer replaced by a newer socket under the same
// key; its close must not unregister the newcomer.
func (p *Peer) supersede() {
	p.mu.Lock()
	p.superseded = true
	p.mu.Unlock()
	p.Close()
}

// Connected reports whether connect succeeded on this socket.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// markConnected finalizes a successful connect.
func (p *Peer) markConnected(info protocol.PeerInfo, runtime *protocol.NodeRuntime, tools []protocol.ToolDefinition) {
	p.mu.Lock()
	p.connected = true
	p.info = info
	p.nodeRuntime = runtime
	p.nodeTools = tools
	p.mu.Unlock()
}

// tokenMatches compares the presented token in constant time.
func tokenMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
