// Package stage defines the contract between the playback engine and the
// scene-graph layer that renders the characters.
//
// The engine only ever pushes per-character transforms (currently the mouth
// openness used for lip sync) and looks up display names. [Roster] is an
// in-memory implementation that keeps the latest transform of every character
// and can be reseeded at runtime when the character list changes.
package stage

import (
	"maps"
	"sync"
)

// Compile-time assertion that Roster satisfies Stage.
var _ Stage = (*Roster)(nil)

// Transform is the animated state the engine drives for one character.
type Transform struct {
	// MouthOpen is the lip-sync openness in [0, 1].
	MouthOpen float64
}

// Stage is the scene-graph collaborator.
type Stage interface {
	// UpdateCharacterTransform applies t to the character with the given id.
	// Unknown ids are ignored.
	UpdateCharacterTransform(id string, t Transform)

	// DisplayName returns the human-readable name of a character and whether
	// the character is known.
	DisplayName(id string) (string, bool)
}

// Character describes one cast member.
type Character struct {
	ID   string
	Name string
}

// Roster is an in-memory [Stage].
//
// All methods are safe for concurrent use.
type Roster struct {
	mu         sync.RWMutex
	names      map[string]string
	transforms map[string]Transform
	observers  []func(id string, t Transform)
}

// NewRoster creates a [Roster] seeded with cast.
func NewRoster(cast []Character) *Roster {
	r := &Roster{transforms: make(map[string]Transform)}
	r.SetCast(cast)
	return r
}

// SetCast replaces the known characters. Transforms of characters that remain
// in the cast are kept.
func (r *Roster) SetCast(cast []Character) {
	names := make(map[string]string, len(cast))
	for _, c := range cast {
		names[c.ID] = c.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = names
	for id := range r.transforms {
		if _, ok := names[id]; !ok {
			delete(r.transforms, id)
		}
	}
}

// OnTransform registers fn to be called after every applied transform.
func (r *Roster) OnTransform(fn func(id string, t Transform)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// UpdateCharacterTransform implements [Stage].
func (r *Roster) UpdateCharacterTransform(id string, t Transform) {
	r.mu.Lock()
	if _, ok := r.names[id]; !ok {
		r.mu.Unlock()
		return
	}
	r.transforms[id] = t
	observers := r.observers
	r.mu.Unlock()

	for _, fn := range observers {
		fn(id, t)
	}
}

// DisplayName implements [Stage]. A character with an empty name reports its
// id.
func (r *Roster) DisplayName(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[id]
	if !ok {
		return "", false
	}
	if name == "" {
		name = id
	}
	return name, true
}

// Transform returns the latest transform applied to id.
func (r *Roster) Transform(id string) Transform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transforms[id]
}

// Transforms returns a copy of every character's latest transform.
func (r *Roster) Transforms() map[string]Transform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.transforms)
}
