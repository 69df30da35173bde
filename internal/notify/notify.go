// Package notify pushes connector lifecycle events to connected browser
// sessions over websockets. Single-process: the registry lives in memory and
// events are not replayed to late joiners.
package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// Event is one notification frame.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes; gorilla allows one concurrent writer
}

// Registry tracks connected clients and fans events out to them.
type Registry struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens on the JWT before the upgrade; the origin check
			// adds nothing for a token-gated endpoint.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and parks the connection in the registry
// until the peer goes away.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	r.register(c)
	defer r.unregister(c)

	// Reads are discarded; the socket is push-only. The read loop exists to
	// notice the close frame.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Registry) register(c *client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	log.Debug().Int("clients", r.Count()).Msg("notify client connected")
}

func (r *Registry) unregister(c *client) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
	c.conn.Close()
	log.Debug().Int("clients", r.Count()).Msg("notify client disconnected")
}

// Count reports connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast sends the event to every connected client. Clients that fail the
// write are dropped; a stuck browser must not back up the event source.
func (r *Registry) Broadcast(event string, payload any) {
	msg := Event{Type: event, Payload: payload, At: time.Now().UTC()}

	r.mu.RLock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteJSON(msg)
		c.mu.Unlock()
		if err != nil {
			log.Debug().Err(err).Msg("dropping unresponsive notify client")
			r.unregister(c)
		}
	}
}
