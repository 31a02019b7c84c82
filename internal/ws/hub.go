package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type     string `json:"type"`
	BattleID string `json:"battle_id"`
	Data     any    `json:"data"`
}

// Hub fans battle events out to the connections watching each battle.
// A connection may watch several battles at once.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // battleID -> set of conns
	allConn map[*conn]bool
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	battles map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
	}
}

// Publish sends a message to all subscribers of a battle. Slow clients
// miss messages rather than block the caller.
func (h *Hub) Publish(battleID, msgType string, data any) {
	msg := Msg{Type: msgType, BattleID: battleID, Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshal %s: %v", msgType, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[battleID] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// Subscribers reports how many connections watch a battle.
func (h *Hub) Subscribers(battleID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[battleID])
}

// Conns reports the number of open connections.
func (h *Hub) Conns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allConn)
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:      wsConn,
		send:    make(chan []byte, 64),
		hub:     h,
		battles: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(1024)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","battle_id":"..."}
		var sub struct {
			Action   string `json:"action"`
			BattleID string `json:"battle_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil || sub.BattleID == "" {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.BattleID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.BattleID)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *conn, battleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[battleID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[battleID] = room
	}
	room[c] = true
	c.battles[battleID] = true
}

// leave must be called with mu held.
func (h *Hub) leave(c *conn, battleID string) {
	if room, ok := h.rooms[battleID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, battleID)
		}
	}
	delete(c.battles, battleID)
}

func (h *Hub) unsubscribe(c *conn, battleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, battleID)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allConn[c] {
		return
	}
	delete(h.allConn, c)
	for id := range c.battles {
		h.leave(c, id)
	}
	close(c.send)
}
