// Package hub keeps the process-local rooms of live connections per thread.
package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"plantly.app/plantly-server/internal/logging"
	"plantly.app/plantly-server/internal/metrics"
)

// Handle is one live connection that can receive serialized frames.
type Handle interface {
	Send(payload []byte) error
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[Handle]struct{} // threadID -> handles
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[Handle]struct{})}
}

func (r *Registry) Register(threadID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[threadID]
	if !ok {
		room = make(map[Handle]struct{})
		r.rooms[threadID] = room
	}
	room[h] = struct{}{}
	metrics.Rooms.Set(float64(len(r.rooms)))
}

// Unregister removes h and drops the room once it is empty.
func (r *Registry) Unregister(threadID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(threadID, h)
}

func (r *Registry) unregisterLocked(threadID string, h Handle) {
	room, ok := r.rooms[threadID]
	if !ok {
		return
	}
	delete(room, h)
	if len(room) == 0 {
		delete(r.rooms, threadID)
	}
	metrics.Rooms.Set(float64(len(r.rooms)))
}

// Broadcast serializes payload once and delivers it to every handle in the
// room. Handles that fail are unregistered after the pass; delivery errors
// are not returned.
func (r *Registry) Broadcast(threadID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	r.BroadcastRaw(threadID, data)
	return nil
}

func (r *Registry) BroadcastRaw(threadID string, data []byte) {
	r.mu.RLock()
	room := r.rooms[threadID]
	targets := make([]Handle, 0, len(room))
	for h := range room {
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	metrics.Broadcasts.Inc()
	var dead []Handle
	for _, h := range targets {
		if err := h.Send(data); err != nil {
			dead = append(dead, h)
		}
	}
	if len(dead) == 0 {
		return
	}

	r.mu.Lock()
	for _, h := range dead {
		r.unregisterLocked(threadID, h)
	}
	r.mu.Unlock()

	metrics.BroadcastFailures.Add(float64(len(dead)))
	l := logging.L()
	l.Debug().Str(logging.FieldThreadID, threadID).Int("dropped", len(dead)).Msg("unregistered handles after failed delivery")
}

// Rooms lists thread ids with at least one live handle.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Members(threadID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[threadID])
}
