package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// sendBuffer is the per-peer outbound queue; a peer that falls this far
	// behind is dropped rather than allowed to stall its room.
	sendBuffer = 16

	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	writeWait  = 10 * time.Second

	maxMessageSize = 64 * 1024
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// peer is one live websocket connection. room and role are guarded by the
// gateway mutex; readPump and writePump each run in their own goroutine.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan outbound

	room string
	role string
	gone bool
}

// Gateway relays pairing events between the members of a room. It owns the
// peer set per room; aggregate counts and activity timestamps live in the
// Registry.
type Gateway struct {
	registry *Registry

	mu      sync.Mutex
	members map[string]map[*peer]bool
}

func newGateway(registry *Registry) *Gateway {
	return &Gateway{
		registry: registry,
		members:  make(map[string]map[*peer]bool),
	}
}

// sendLocked queues msg for p, evicting p if its queue is full. Assumes
// g.mu is held.
func (g *Gateway) sendLocked(p *peer, msg outbound) bool {
	if p.gone {
		return false
	}
	select {
	case p.send <- msg:
		return true
	default:
		g.dropLocked(p)
		return false
	}
}

// removeFromRoomLocked takes p out of its room and decrements the registry,
// returning the room it left and the remaining count. Assumes g.mu is held.
func (g *Gateway) removeFromRoomLocked(p *peer) (string, int) {
	room := p.room
	if room == "" {
		return "", 0
	}

	if clients, ok := g.members[room]; ok {
		delete(clients, p)
		if len(clients) == 0 {
			delete(g.members, room)
		}
	}
	p.room = ""

	return room, g.registry.leave(room)
}

// announceDepartureLocked tells the remaining members of room that p left,
// then refreshes the room size summary if the room survives. Assumes g.mu
// is held.
func (g *Gateway) announceDepartureLocked(p *peer, room string, connections int) {
	g.broadcastLocked(room, nil, outbound{Event: "peer_left", Data: peerLeftMessage{
		SocketID: p.id,
		Type:     p.role,
	}})

	if connections > 0 {
		g.broadcastLocked(room, nil, outbound{Event: "session_status", Data: sessionStatusMessage{
			Room:        room,
			Connections: connections,
			Timestamp:   nowMillis(),
		}})
	}
}

// dropLocked removes p from its room, closes its send channel (which ends
// its writePump), and announces the departure to whoever remains. Assumes
// g.mu is held. Safe to call twice.
func (g *Gateway) dropLocked(p *peer) {
	room, connections := g.removeFromRoomLocked(p)

	if !p.gone {
		p.gone = true
		close(p.send)
	}

	if room != "" {
		g.announceDepartureLocked(p, room, connections)
	}
}

// broadcastLocked delivers msg to every member of room except sender, which
// may be nil to address the whole room. Assumes g.mu is held.
func (g *Gateway) broadcastLocked(room string, sender *peer, msg outbound) {
	delivered := 0
	for p := range g.members[room] {
		if p == sender {
			continue
		}
		if g.sendLocked(p, msg) {
			delivered++
		}
	}
	if delivered > 0 {
		addDelivered(delivered)
	}
}

// resolveRoomLocked picks the room an event addresses: an explicit room in
// the payload wins, otherwise the sender's current room. Assumes g.mu is
// held.
func (g *Gateway) resolveRoomLocked(p *peer, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return p.room
}

func (g *Gateway) handleJoin(cfg *Config, p *peer, raw json.RawMessage) {
	msg := decodeJoin(raw)

	g.mu.Lock()
	defer g.mu.Unlock()

	if msg.Room == "" {
		g.sendLocked(p, outbound{Event: "error", Data: errorMessage{Message: "invalid room code"}})
		return
	}

	// Rejoining moves the peer: the old room is left silently, possibly
	// deleting it.
	g.removeFromRoomLocked(p)

	if g.members[msg.Room] == nil {
		g.members[msg.Room] = make(map[*peer]bool)
	}
	g.members[msg.Room][p] = true
	p.room = msg.Room
	p.role = msg.Type

	connections := g.registry.join(msg.Room)

	logf(cfg, "PAIR: [%s] %s joined room %q (%d connected)", p.role, p.id, msg.Room, connections)

	g.sendLocked(p, outbound{Event: "room_joined", Data: roomJoinedMessage{
		Room:      msg.Room,
		Type:      p.role,
		Timestamp: nowMillis(),
	}})

	g.broadcastLocked(msg.Room, p, outbound{Event: "peer_joined", Data: peerJoinedMessage{
		Type:     p.role,
		SocketID: p.id,
	}})

	// Unlike relay events, the size summary goes to everyone, joiner
	// included, so all members agree on the room size.
	g.broadcastLocked(msg.Room, nil, outbound{Event: "session_status", Data: sessionStatusMessage{
		Room:        msg.Room,
		Connections: connections,
		Timestamp:   nowMillis(),
	}})
}

func (g *Gateway) handleCast(cfg *Config, p *peer, raw json.RawMessage) {
	msg := decodeCast(raw)

	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.resolveRoomLocked(p, msg.Room)
	if room == "" {
		g.sendLocked(p, outbound{Event: "error", Data: errorMessage{Message: "no active room"}})
		return
	}

	logf(cfg, "PAIR: [cast] %s → room %q: %s", p.id, room, msg.URL)

	g.registry.touch(room)

	g.broadcastLocked(room, p, outbound{Event: "play_video", Data: playVideoMessage{
		URL:       msg.URL,
		Title:     msg.Title,
		Timestamp: nowMillis(),
		Sender:    p.id,
	}})

	g.sendLocked(p, outbound{Event: "cast_success", Data: castSuccessMessage{
		Room:      room,
		Timestamp: nowMillis(),
	}})
}

func (g *Gateway) handleControl(cfg *Config, p *peer, raw json.RawMessage) {
	msg := decodeControl(raw)

	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.resolveRoomLocked(p, msg.Room)
	if room == "" {
		// Best-effort event; nothing to report back.
		return
	}

	logf(cfg, "PAIR: [control] %s %q → room %q", p.id, msg.Action, room)

	g.registry.touch(room)

	g.broadcastLocked(room, p, outbound{Event: "control_command", Data: controlCommandMessage{
		Action:    msg.Action,
		Value:     msg.Value,
		Timestamp: nowMillis(),
		Sender:    p.id,
	}})
}

func (g *Gateway) handleStatus(p *peer, raw json.RawMessage) {
	msg := decodeStatus(raw)

	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.resolveRoomLocked(p, msg.Room)
	if room == "" {
		return
	}

	g.registry.touch(room)

	g.broadcastLocked(room, p, outbound{Event: "player_status", Data: playerStatusMessage{
		IsPlaying:   msg.IsPlaying,
		CurrentTime: msg.CurrentTime,
		Duration:    msg.Duration,
		Timestamp:   nowMillis(),
	}})
}

func (g *Gateway) handlePing(p *peer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sendLocked(p, outbound{Event: "pong", Data: pongMessage{Timestamp: nowMillis()}})
}

// disconnect finalizes a peer: its room is left, remaining members are told
// who went, and the room size summary is refreshed if the room survives.
// A peer already evicted for falling behind made those announcements when
// it was dropped, so this becomes a no-op.
func (g *Gateway) disconnect(cfg *Config, p *peer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room := p.room

	g.dropLocked(p)

	if room != "" {
		logf(cfg, "PAIR: [%s] %s left room %q", p.role, p.id, room)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and runs the peer's pumps.
func serveWS(cfg *Config, g *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "PAIR: Upgrade failed for %s: %v", realIP(r), err)
			return
		}

		p := &peer{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan outbound, sendBuffer),
		}

		incConnections()
		logf(cfg, "PAIR: New connection %s from %s", p.id, realIP(r))

		go p.writePump()
		p.readPump(cfg, g)
	}
}

func (p *peer) readPump(cfg *Config, g *Gateway) {
	defer func() {
		g.disconnect(cfg, p)
		decConnections()
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Event {
		case "join_room":
			g.handleJoin(cfg, p, env.Data)
		case "cast_video", "send_video":
			g.handleCast(cfg, p, env.Data)
		case "remote_control":
			g.handleControl(cfg, p, env.Data)
		case "app_status":
			g.handleStatus(p, env.Data)
		case "ping":
			g.handlePing(p)
		default:
			// ignore unknown events
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			if !ok {
				_ = p.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
