package server

import (
	"encoding/json"
	"sync"
)

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession tracks one connection's verified identity and joined rooms. A
// connection may observe several draws at once.
type wsSession struct {
	mu     sync.Mutex
	userID string
	peer   *wsPeer
	rooms  map[string]*drawRoom
}

func newWSSession(userID string, peer *wsPeer) *wsSession {
	return &wsSession{
		userID: userID,
		peer:   peer,
		rooms:  make(map[string]*drawRoom),
	}
}

func (s *wsSession) trackRoom(room *drawRoom) {
	s.mu.Lock()
	s.rooms[room.drawUUID] = room
	s.mu.Unlock()
}

func (s *wsSession) trackedRooms() []*drawRoom {
	s.mu.Lock()
	rooms := make([]*drawRoom, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()
	return rooms
}

// roomHub indexes broadcast rooms by draw uuid.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*drawRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*drawRoom)}
}

func (h *roomHub) room(drawUUID string) *drawRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[drawUUID]
	if ok {
		return room
	}

	room = newDrawRoom(drawUUID)
	h.rooms[drawUUID] = room
	return room
}

// drawRoom is the broadcast group for one draw. Membership in the room is
// independent of stakeholder membership in the draw: observers join the room
// before committing to join the draw.
type drawRoom struct {
	mu          sync.Mutex
	drawUUID    string
	subscribers map[*wsPeer]struct{}
}

func newDrawRoom(drawUUID string) *drawRoom {
	return &drawRoom{
		drawUUID:    drawUUID,
		subscribers: make(map[*wsPeer]struct{}),
	}
}

func (r *drawRoom) join(peer *wsPeer) {
	r.mu.Lock()
	r.subscribers[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *drawRoom) leave(peer *wsPeer) {
	r.mu.Lock()
	delete(r.subscribers, peer)
	r.mu.Unlock()
}

func (r *drawRoom) subscriberSnapshot() []*wsPeer {
	r.mu.Lock()
	subscribers := make([]*wsPeer, 0, len(r.subscribers))
	for subscriber := range r.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	r.mu.Unlock()
	return subscribers
}

// broadcast delivers a frame to every room subscriber, the sender included.
func (r *drawRoom) broadcast(frame wsFrame) {
	for _, subscriber := range r.subscriberSnapshot() {
		_ = subscriber.writeFrame(frame)
	}
}

// clientRegistry tracks every connected peer for list-level fan-out.
type clientRegistry struct {
	mu    sync.Mutex
	peers map[*wsPeer]struct{}
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{peers: make(map[*wsPeer]struct{})}
}

func (c *clientRegistry) add(peer *wsPeer) {
	c.mu.Lock()
	c.peers[peer] = struct{}{}
	c.mu.Unlock()
}

func (c *clientRegistry) remove(peer *wsPeer) {
	c.mu.Lock()
	delete(c.peers, peer)
	c.mu.Unlock()
}

func (c *clientRegistry) broadcast(frame wsFrame) {
	c.mu.Lock()
	peers := make([]*wsPeer, 0, len(c.peers))
	for peer := range c.peers {
		peers = append(peers, peer)
	}
	c.mu.Unlock()

	for _, peer := range peers {
		_ = peer.writeFrame(frame)
	}
}
