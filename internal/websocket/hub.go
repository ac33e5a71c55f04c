package websocket

import (
	"sync"
	"time"
)

// backlogSize is how many recent messages the hub retains per topic so a
// client that connects mid-job sees recent context immediately instead of
// waiting for the next line to be published. Job logs are read as a
// transcript, not a live feed a late joiner can afford to have missed the
// start of.
const backlogSize = 50

// DefaultBacklogTTL is how long a topic's replay buffer is kept after its
// job reports a terminal status, in case an operator opens the log view a
// moment after the job already finished.
const DefaultBacklogTTL = 30 * time.Second

// Hub is the central relay for WebSocket clients. It maintains the registry
// of connected clients and routes published messages to the clients
// subscribed to a given topic. Every client subscribes to exactly one
// topic (job:<uuid>) for its whole connection — see Client.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister, backlog
// eviction) are serialised through a single goroutine — the Run loop — via
// channels. Run still takes mu around each mutation so that Publish and the
// count accessors can read the maps concurrently. Publish is the one exception:
// it holds mu for the shortest possible time to copy the target set and
// append to the backlog, then sends outside the lock to avoid blocking the
// event loop while waiting on slow client channels.
type Hub struct {
	// clients maps each connected client to its subscribed topic, for O(1)
	// register/unregister.
	clients map[*Client]string

	// topics maps each topic string to the set of clients subscribed to it.
	topics map[string]map[*Client]struct{}

	// backlog retains up to backlogSize recent messages per topic so a
	// client that subscribes mid-stream is replayed what it missed.
	backlog map[string][]Message

	// mu protects clients, topics, and backlog during Publish, which
	// touches them from outside the Run goroutine. Register, unregister,
	// and evict channels handle writes exclusively inside Run.
	mu sync.RWMutex

	// register receives clients that have just completed the WebSocket
	// upgrade and are ready to receive messages.
	register chan *Client

	// unregister receives clients that have disconnected or encountered a
	// write error. The hub removes them from their topic subscription.
	unregister chan *Client

	// evict receives topics whose backlog should be retired, once
	// backlogTTL has elapsed after a terminal status was published on them.
	evict chan string

	// backlogTTL is how long a topic's backlog survives after a terminal
	// job.status message, before evict fires for it.
	backlogTTL time.Duration

	// stopped is closed when the hub's Run loop exits, signalling that no
	// further messages will be delivered.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]string),
		topics:     make(map[string]map[*Client]struct{}),
		backlog:    make(map[string][]Message),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		evict:      make(chan string, 16),
		backlogTTL: DefaultBacklogTTL,
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its own
// goroutine. It exits when ctx is cancelled (via admin server graceful shutdown).
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = client.topic
			if h.topics[client.topic] == nil {
				h.topics[client.topic] = make(map[*Client]struct{})
			}
			h.topics[client.topic][client] = struct{}{}
			backlog := append([]Message(nil), h.backlog[client.topic]...)
			h.mu.Unlock()

			for _, msg := range backlog {
				select {
				case client.send <- msg:
				default:
					// A fresh client's send buffer (sendBufferSize) is twice
					// backlogSize, so this only happens if it disconnected
					// in the instant between upgrade and registration.
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if topic, ok := h.clients[client]; ok {
				delete(h.clients, client)
				delete(h.topics[topic], client)
				if len(h.topics[topic]) == 0 {
					delete(h.topics, topic)
				}
				// Signal the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case topic := <-h.evict:
			h.mu.Lock()
			delete(h.backlog, topic)
			h.mu.Unlock()

		case <-ctx.Done():
			// Close all connected clients on shutdown.
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]string)
			h.topics = make(map[string]map[*Client]struct{})
			h.backlog = make(map[string][]Message)
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic and appends it to
// that topic's replay backlog. It is safe to call from any goroutine (the
// instance manager, webhook handlers, etc.). Clients whose send buffer is
// full are disconnected to prevent backpressure from a slow consumer
// blocking all other subscribers on the same topic.
//
// If msg.Terminal is set, the topic's backlog is scheduled for eviction
// after backlogTTL — the job it belongs to will never publish again.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.Lock()
	buf := append(h.backlog[topic], msg)
	if len(buf) > backlogSize {
		buf = buf[len(buf)-backlogSize:]
	}
	h.backlog[topic] = buf

	targets := h.topics[topic]
	// Copy the target set before releasing the lock so we don't hold it
	// while sending — channel sends can block if a buffer is full.
	var clients []*Client
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
			// Message queued successfully.
		default:
			// Client send buffer is full — it is too slow to keep up.
			// Disconnect it so it does not stall other subscribers.
			h.unregister <- c
		}
	}

	if msg.Terminal {
		go h.scheduleEvict(topic)
	}
}

// scheduleEvict waits backlogTTL, then asks the Run loop to drop topic's
// backlog. Run outliving the timer (process shutdown) makes the send a
// no-op on a closed hub, which is fine — the backlog is discarded wholesale
// on shutdown anyway.
func (h *Hub) scheduleEvict(topic string) {
	timer := time.NewTimer(h.backlogTTL)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-h.stopped:
		return
	}
	select {
	case h.evict <- topic:
	case <-h.stopped:
	}
}

// Subscribe registers client with the hub and adds it to its topic.
// Called by the HTTP upgrade handler after the client is initialised.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and its topic subscription.
// Called by the client's readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected WebSocket clients.
// Intended for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients are currently watching topic —
// in practice, how many operators have a job's log view open. Nothing in
// the admin API calls it.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
