// Package gateway bridges local viewer connections to the session manager:
// inbound frames become session operations, upstream push events become
// broadcasts.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayhq/tgrelay/pkg/relay"
	"github.com/relayhq/tgrelay/pkg/session"
	"github.com/relayhq/tgrelay/pkg/upstream"
)

// Mode selects the session-sharing strategy at startup.
type Mode string

const (
	// ModeShared: one process-owned session serves every viewer; a viewer
	// connect carrying credentials replaces it.
	ModeShared Mode = "shared"
	// ModePerViewer: each viewer owns its session; it is torn down with the
	// viewer connection.
	ModePerViewer Mode = "perviewer"
	// ModeExternal: like shared, but the session is bootstrapped outside the
	// viewers' control and never replaced from the socket.
	ModeExternal Mode = "external"
)

// ParseMode validates a mode name from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeShared, ModePerViewer, ModeExternal:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want shared, perviewer or external)", s)
}

// ProcessOwner is the registry key for the process-owned session in shared
// and external modes.
const ProcessOwner = "process"

const (
	requestTimeout  = 30 * time.Second
	teardownTimeout = 10 * time.Second
)

// Gateway routes between viewers and the session manager.
type Gateway struct {
	mode     Mode
	manager  *session.Manager
	defaults upstream.Credentials
	hub      *Hub
	upgrader websocket.Upgrader

	mu    sync.Mutex
	owned map[*Viewer]*session.Session
}

// New creates a gateway in the given mode. defaults are the process
// credentials viewers fall back to when their connect carries none.
func New(mode Mode, manager *session.Manager, defaults upstream.Credentials) *Gateway {
	return &Gateway{
		mode:     mode,
		manager:  manager,
		defaults: defaults,
		hub:      NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard is served from the same process; other origins
			// are local tooling.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		owned: make(map[*Viewer]*session.Session),
	}
}

// Mode returns the configured session-sharing mode.
func (g *Gateway) Mode() Mode {
	return g.mode
}

// Hub exposes the viewer hub.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Bootstrap connects the process-owned session and subscribes the broadcast
// fan-out. Shared and external deployments call it at startup.
func (g *Gateway) Bootstrap(ctx context.Context) error {
	s, err := g.manager.Connect(ctx, ProcessOwner, g.defaults)
	if err != nil {
		return err
	}
	return g.manager.Subscribe(s, g.broadcastUpdate)
}

// ProcessSession returns the shared session, nil if none (or per-viewer mode).
// The manager's registry is the single source of truth; the gateway keeps no
// copy of its own.
func (g *Gateway) ProcessSession() *session.Session {
	return g.manager.Get(ProcessOwner)
}

func (g *Gateway) broadcastUpdate(msg relay.ChannelMessage) {
	frame, err := encodeFrame(EventSubscribe, msg)
	if err != nil {
		log.Printf("gateway: encode update: %v", err)
		return
	}
	g.hub.Broadcast(frame)
}

// HandleWS upgrades the request and runs the viewer's pumps.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	v := newViewer(conn)
	g.hub.add(v)
	log.Printf("viewer %s connected", v.id)

	go v.writePump()
	go v.readPump(g)
	return nil
}

// dropViewer runs once per viewer, when its read pump exits. In per-viewer
// mode the owned session is disconnected synchronously; leaking the upstream
// connection would be a correctness bug.
func (g *Gateway) dropViewer(v *Viewer) {
	g.hub.remove(v)
	v.close()

	g.mu.Lock()
	s := g.owned[v]
	delete(g.owned, v)
	g.mu.Unlock()

	if s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := g.manager.Disconnect(ctx, s); err != nil {
			log.Printf("viewer %s: disconnect session: %v", v.id, err)
		}
	}
	log.Printf("viewer %s disconnected", v.id)
}

func (g *Gateway) handleFrame(v *Viewer, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("viewer %s: malformed frame: %v", v.id, err)
		return
	}

	switch f.Event {
	case EventConnect:
		g.handleConnect(v, f.Payload)
	case EventSubscribe:
		g.handleSubscribe(v)
	case EventSendMessage:
		g.handleSend(v, f.Payload)
	case EventFetchMessages:
		g.handleFetch(v, f.Payload)
	default:
		log.Printf("viewer %s: unknown event %q", v.id, f.Event)
	}
}

func (g *Gateway) handleConnect(v *Viewer, payload json.RawMessage) {
	var req ConnectRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			v.sendError(EventConnectError, payload, "malformed connect payload")
			return
		}
	}
	creds := g.defaults
	if !req.empty() {
		creds = upstream.Credentials{AppID: req.AppID, AppHash: req.AppHash, Session: req.token()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch g.mode {
	case ModeExternal:
		if g.ProcessSession() == nil {
			v.sendError(EventConnectError, payload, "no upstream session")
			return
		}
		v.sendEvent(EventConnectSuccess, nil)

	case ModeShared:
		cur := g.ProcessSession()
		if cur != nil && req.empty() {
			v.sendEvent(EventConnectSuccess, nil)
			return
		}
		resubscribe := cur != nil && cur.Subscribed()
		s, err := g.manager.Connect(ctx, ProcessOwner, creds)
		if err != nil {
			v.sendError(EventConnectError, payload, err.Error())
			return
		}
		if resubscribe {
			// The replaced session carried the broadcast subscription; keep
			// the fan-out alive on the new one.
			if err := g.manager.Subscribe(s, g.broadcastUpdate); err != nil {
				log.Printf("gateway: resubscribe after replace: %v", err)
			}
		}
		v.sendEvent(EventConnectSuccess, nil)

	case ModePerViewer:
		s, err := g.manager.Connect(ctx, v.id, creds)
		if err != nil {
			v.sendError(EventConnectError, payload, err.Error())
			return
		}
		g.mu.Lock()
		g.owned[v] = s
		g.mu.Unlock()
		v.sendEvent(EventConnectSuccess, nil)
	}
}

func (g *Gateway) handleSubscribe(v *Viewer) {
	s := g.sessionFor(v)
	if g.mode == ModePerViewer {
		err := g.manager.Subscribe(s, func(msg relay.ChannelMessage) {
			v.sendEvent(EventSubscribe, msg)
		})
		if err != nil {
			v.sendError(EventSubscribeError, nil, err.Error())
		}
		return
	}
	if err := g.manager.Subscribe(s, g.broadcastUpdate); err != nil {
		v.sendError(EventSubscribeError, nil, err.Error())
	}
}

func (g *Gateway) handleSend(v *Viewer, payload json.RawMessage) {
	var msg relay.OutgoingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		v.sendError(EventSendMessageError, payload, "malformed send payload")
		return
	}
	if msg.Recipient == "" || msg.Message == "" {
		v.sendError(EventSendMessageError, payload, "missing required fields: recipient and message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := g.manager.Send(ctx, g.sessionFor(v), msg); err != nil {
		v.sendError(EventSendMessageError, payload, err.Error())
		return
	}
	v.sendEvent(EventSendMessage, msg)
}

func (g *Gateway) handleFetch(v *Viewer, payload json.RawMessage) {
	var req FetchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		v.sendError(EventFetchMessagesError, payload, "malformed fetch payload")
		return
	}
	if req.Channel == "" {
		v.sendError(EventFetchMessagesError, payload, "missing required field: channel")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	msgs, err := g.manager.FetchHistory(ctx, g.sessionFor(v), req.Channel, int(req.Limit))
	if err != nil {
		v.sendError(EventFetchMessagesError, payload, err.Error())
		return
	}
	for _, msg := range msgs {
		v.sendEvent(EventFetchMessages, msg)
	}
}

// sessionFor maps a viewer to the session its requests run against.
func (g *Gateway) sessionFor(v *Viewer) *session.Session {
	if g.mode == ModePerViewer {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.owned[v]
	}
	return g.ProcessSession()
}

// Shutdown disconnects the process session and closes every viewer.
func (g *Gateway) Shutdown(ctx context.Context) error {
	for _, v := range g.hub.snapshot() {
		v.close()
	}
	return g.manager.Disconnect(ctx, g.manager.Get(ProcessOwner))
}
