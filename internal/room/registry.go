// Package room tracks which connected participants belong to which room.
package room

import "sort"

// Participant is a single signaling connection that has joined a room.
//
// ID is assigned by the relay per connection; Email is the display label the
// client supplied when joining and is accepted verbatim.
type Participant struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Room is a point-in-time snapshot of a room's membership.
type Room struct {
	ID      string
	Members []Participant
}

type roomState struct {
	members []Participant
}

func (r *roomState) index(id string) int {
	for i, p := range r.members {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Registry maps room ids to their members and remembers the current room of
// every participant.
//
// Registry is not safe for concurrent use. The relay owns it from a single
// goroutine so that membership changes and the notifications they trigger are
// observed in the same order by every connection.
type Registry struct {
	rooms   map[string]*roomState
	current map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*roomState),
		current: make(map[string]string),
	}
}

// Join adds p to roomID, creating the room on first use.
//
// joined reports whether membership changed; joining the room a participant is
// already in is a no-op. A participant belongs to at most one room, so joining a
// different room leaves the previous one first and returns its snapshot as left.
func (r *Registry) Join(roomID string, p Participant) (joined bool, left Room, hadPrevious bool) {
	if prev, ok := r.current[p.ID]; ok {
		if prev == roomID {
			return false, Room{}, false
		}
		left, hadPrevious = r.Leave(p.ID)
	}

	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomState{}
		r.rooms[roomID] = rs
	}
	rs.members = append(rs.members, p)
	r.current[p.ID] = roomID
	return true, left, hadPrevious
}

// Leave removes the participant from whatever room it is in and returns the
// affected room with its remaining members. ok is false when the participant is
// not in any room.
func (r *Registry) Leave(participantID string) (Room, bool) {
	roomID, ok := r.current[participantID]
	if !ok {
		return Room{}, false
	}
	delete(r.current, participantID)

	rs, ok := r.rooms[roomID]
	if !ok {
		return Room{ID: roomID}, true
	}
	if i := rs.index(participantID); i >= 0 {
		rs.members = append(rs.members[:i], rs.members[i+1:]...)
	}
	snapshot := Room{ID: roomID, Members: cloneMembers(rs.members)}
	if len(rs.members) == 0 {
		delete(r.rooms, roomID)
	}
	return snapshot, true
}

// Members returns the members of roomID in join order.
func (r *Registry) Members(roomID string) []Participant {
	rs, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return cloneMembers(rs.members)
}

// RoomOf returns the room the participant currently belongs to.
func (r *Registry) RoomOf(participantID string) (string, bool) {
	roomID, ok := r.current[participantID]
	return roomID, ok
}

// Len is the number of non-empty rooms.
func (r *Registry) Len() int { return len(r.rooms) }

// Rooms returns the ids of all non-empty rooms, sorted.
func (r *Registry) Rooms() []string {
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneMembers(in []Participant) []Participant {
	if len(in) == 0 {
		return nil
	}
	out := make([]Participant, len(in))
	copy(out, in)
	return out
}
