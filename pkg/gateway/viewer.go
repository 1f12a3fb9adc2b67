package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameBytes = 64 * 1024
	sendQueueSize = 256
)

// Viewer is one local real-time client connection. The write pump owns all
// socket writes; everything else enqueues.
type Viewer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newViewer(conn *websocket.Conn) *Viewer {
	return &Viewer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// ID returns the viewer's connection id, used as the session owner key in
// per-viewer mode.
func (v *Viewer) ID() string {
	return v.id
}

// enqueue queues a frame for delivery. Frames for a closed viewer are
// discarded silently; that is how in-flight results arriving after a
// disconnect get dropped.
func (v *Viewer) enqueue(frame []byte) {
	select {
	case <-v.done:
		return
	default:
	}
	select {
	case v.send <- frame:
	case <-v.done:
	default:
		log.Printf("viewer %s: send queue full, dropping frame", v.id)
	}
}

func (v *Viewer) sendEvent(event string, payload interface{}) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		log.Printf("viewer %s: encode %s: %v", v.id, event, err)
		return
	}
	v.enqueue(frame)
}

func (v *Viewer) sendError(event string, request json.RawMessage, reason string) {
	v.sendEvent(event, ErrorPayload{Reason: reason, Request: request})
}

func (v *Viewer) close() {
	v.closeOnce.Do(func() {
		close(v.done)
		v.conn.Close()
	})
}

func (v *Viewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case frame := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-v.done:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			v.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump decodes inbound frames and hands them to the gateway. It returns
// when the viewer goes away, which triggers teardown.
func (v *Viewer) readPump(g *Gateway) {
	defer g.dropViewer(v)

	v.conn.SetReadLimit(maxFrameBytes)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("viewer %s: read: %v", v.id, err)
			}
			return
		}
		g.handleFrame(v, data)
	}
}
