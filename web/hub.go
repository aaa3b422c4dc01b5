package web

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Update is pushed to browsers when an experiment changes
type Update struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Epoch     int    `json:"epoch"`
	Iteration int    `json:"iteration"`
}

// Hub keeps track of websocket connections and broadcasts updates to them
type Hub struct {
	clients map[*client]bool
	sync.Mutex
}

type client struct {
	conn *websocket.Conn
	send chan Update
}

func NewHub() *Hub {
	return &Hub{clients: map[*client]bool{}}
}

// Handler function for websocket connections
func (h *Hub) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("websocket upgrade:", err)
			return
		}
		c := &client{conn: conn, send: make(chan Update, sendBuffer)}
		h.Lock()
		h.clients[c] = true
		h.Unlock()
		go c.writer()
		go h.reader(c)
	}
}

// Broadcast sends an update to all clients, slow clients are dropped
func (h *Hub) Broadcast(u Update) {
	h.Lock()
	defer h.Unlock()
	for c := range h.clients {
		select {
		case c.send <- u:
		default:
			log.Println("websocket: dropping slow client", c.conn.RemoteAddr())
			h.remove(c)
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.Lock()
	defer h.Unlock()
	return len(h.clients)
}

// Close all connections
func (h *Hub) Close() {
	h.Lock()
	defer h.Unlock()
	for c := range h.clients {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// read and discard messages until the connection is closed
func (h *Hub) reader(c *client) {
	defer func() {
		h.Lock()
		h.remove(c)
		h.Unlock()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writer() {
	defer c.conn.Close()
	for u := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(u); err != nil {
			log.Println("websocket: error writing update:", err)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
