// Package track assigns camera, screen and audio roles to the inbound tracks of a media session.
//
// A video track gets its label from, in order:
//   - the trackInfo metadata sent along with the offer,
//   - its position: the first video track of an owner is the camera, the second one the screen,
//   - the fallback: camera if the owner has no camera yet, screen otherwise.
//
// Metadata that arrives after the track overrides the guess. A guessed track
// pushed out of its label by another guess stays known without a label until
// metadata or a freed label binds it again.
package track

import (
	"sync"

	"github.com/examwatch/proctor/pkg/api"
	"github.com/examwatch/proctor/pkg/logger"
)

// Reason tells how the label of a track was chosen.
type Reason string

const (
	ByMetadata Reason = "metadata"
	ByPosition Reason = "position"
	ByFallback Reason = "fallback"
)

type Ref struct {
	ID     string
	Kind   api.Kind
	Label  api.Label
	Owner  string
	Reason Reason
}

// Bindings are the current render targets of one owner.
type Bindings struct {
	Camera *Ref
	Screen *Ref
	Audio  *Ref
}

func (b Bindings) IsEmpty() bool { return b.Camera == nil && b.Screen == nil && b.Audio == nil }

type slot int

const (
	camera slot = iota
	screen
	audio
	slots
)

func slotOf(l api.Label) slot {
	if l == api.Screen {
		return screen
	}
	return camera
}

func (s slot) label() api.Label {
	if s == screen {
		return api.Screen
	}
	return api.Camera
}

type owner struct {
	tracks map[string]*Ref
	meta   map[string]api.Label
	bound  [slots]*Ref
	videos int
	order  []string
}

func newOwner() *owner {
	return &owner{tracks: make(map[string]*Ref), meta: make(map[string]api.Label)}
}

func (o *owner) bindings() Bindings {
	cp := func(r *Ref) *Ref {
		if r == nil {
			return nil
		}
		c := *r
		return &c
	}
	return Bindings{Camera: cp(o.bound[camera]), Screen: cp(o.bound[screen]), Audio: cp(o.bound[audio])}
}

func (o *owner) slotOf(r *Ref) slot {
	for s, b := range o.bound {
		if b == r {
			return slot(s)
		}
	}
	return slots
}

// take moves the track into the slot and returns the previous holder.
func (o *owner) take(s slot, ref *Ref) (prev *Ref) {
	if p := o.bound[s]; p != ref {
		prev = p
	}
	if old := o.slotOf(ref); old != slots {
		o.bound[old] = nil
	}
	if s != audio {
		ref.Label = s.label()
	}
	o.bound[s] = ref
	return
}

// guessSlot picks the video slot for a track without metadata,
// a labelled holder is never replaced by a guess.
func (o *owner) guessSlot() (slot, bool) {
	switch {
	case o.bound[camera] == nil:
		return camera, true
	case o.bound[screen] == nil:
		return screen, true
	case o.bound[screen].Reason != ByMetadata:
		return screen, true
	case o.bound[camera].Reason != ByMetadata:
		return camera, true
	}
	return slots, false
}

// promote binds the oldest unlabelled video track to the freed slot.
func (o *owner) promote(s slot) {
	for _, id := range o.order {
		ref, ok := o.tracks[id]
		if !ok || ref.Reason == ByMetadata || o.slotOf(ref) != slots {
			continue
		}
		ref.Reason = ByFallback
		o.take(s, ref)
		return
	}
}

func (o *owner) forget(trackID string) {
	delete(o.tracks, trackID)
	for i, id := range o.order {
		if id == trackID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

type Router struct {
	mu     sync.Mutex
	owners map[string]*owner

	onUpdate  func(owner string, b Bindings)
	onRelease func(Ref)
	log       *logger.Logger
}

func NewRouter(log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{owners: make(map[string]*owner), log: log}
}

// OnUpdate is called after any change of the owner bindings.
func (r *Router) OnUpdate(fn func(owner string, b Bindings)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

// OnRelease is called for a track which lost its label to a newer one.
func (r *Router) OnRelease(fn func(Ref)) {
	r.mu.Lock()
	r.onRelease = fn
	r.mu.Unlock()
}

type events struct {
	owner    string
	update   bool
	released []Ref
}

func (r *Router) fire(e events) {
	r.mu.Lock()
	onUpdate, onRelease := r.onUpdate, r.onRelease
	var b Bindings
	if o, ok := r.owners[e.owner]; ok {
		b = o.bindings()
	}
	r.mu.Unlock()
	for _, ref := range e.released {
		r.log.Debug().Str("track", ref.ID).Str("label", string(ref.Label)).Msg("released")
		if onRelease != nil {
			onRelease(ref)
		}
	}
	if e.update && onUpdate != nil {
		onUpdate(e.owner, b)
	}
}

func (r *Router) owner(id string) *owner {
	o, ok := r.owners[id]
	if !ok {
		o = newOwner()
		r.owners[id] = o
	}
	return o
}

// Add binds a new inbound track. Adding a known track changes nothing.
func (r *Router) Add(ownerID, trackID string, kind api.Kind) Ref {
	r.mu.Lock()
	o := r.owner(ownerID)
	if ref, ok := o.tracks[trackID]; ok {
		r.mu.Unlock()
		return *ref
	}
	ref := &Ref{ID: trackID, Kind: kind, Owner: ownerID}
	o.tracks[trackID] = ref
	e := events{owner: ownerID, update: true}

	if kind == api.Audio {
		ref.Label, ref.Reason = api.Camera, ByPosition
		if l, ok := o.meta[trackID]; ok {
			ref.Label, ref.Reason = l, ByMetadata
		}
		e.released = append(e.released, r.bind(o, audio, ref)...)
		r.mu.Unlock()
		r.fire(e)
		return *ref
	}

	position := o.videos
	o.videos++
	o.order = append(o.order, trackID)
	switch l, ok := o.meta[trackID]; {
	case ok && l != api.Unknown:
		ref.Reason = ByMetadata
		e.released = append(e.released, r.place(o, slotOf(l), ref)...)
	case position < 2 && o.bound[slot(position)] == nil:
		ref.Reason = ByPosition
		o.take(slot(position), ref)
	default:
		ref.Reason = ByFallback
		if s, ok := o.guessSlot(); ok {
			r.guess(o, s, ref)
		} else {
			ref.Label = api.Unknown
			e.update = false
		}
	}
	out := *ref
	r.mu.Unlock()
	r.fire(e)
	return out
}

// place binds a metadata labelled track. A guessed occupant moves to the other
// video slot if it is free, a labelled one is replaced.
func (r *Router) place(o *owner, s slot, ref *Ref) []Ref {
	occupant := o.bound[s]
	if occupant != nil && occupant.Reason != ByMetadata {
		other := screen
		if s == screen {
			other = camera
		}
		if o.bound[other] == nil {
			o.bound[s] = nil
			occupant.Label = other.label()
			o.bound[other] = occupant
		}
	}
	return r.bind(o, s, ref)
}

// bind puts the track into the slot, the previous holder is released.
func (r *Router) bind(o *owner, s slot, ref *Ref) (released []Ref) {
	if prev := o.take(s, ref); prev != nil {
		o.forget(prev.ID)
		released = append(released, *prev)
	}
	return
}

// guess puts a guessed track into the slot, the previous holder
// stays known without a label.
func (r *Router) guess(o *owner, s slot, ref *Ref) {
	if prev := o.take(s, ref); prev != nil {
		prev.Label = api.Unknown
	}
}

// Meta stores the trackId to label metadata of an offer and corrects
// the bound tracks that were guessed differently.
func (r *Router) Meta(ownerID string, infos []api.TrackInfo) {
	if len(infos) == 0 {
		return
	}
	r.mu.Lock()
	o := r.owner(ownerID)
	e := events{owner: ownerID}
	for _, info := range infos {
		if info.Label == "" {
			continue
		}
		o.meta[info.TrackID] = info.Label
		ref, ok := o.tracks[info.TrackID]
		if !ok {
			continue
		}
		if ref.Kind == api.Audio {
			ref.Label, ref.Reason = info.Label, ByMetadata
			e.update = true
			continue
		}
		if info.Label == api.Unknown {
			continue
		}
		ref.Reason = ByMetadata
		current, want := o.slotOf(ref), slotOf(info.Label)
		if current == want {
			continue
		}
		e.update = true
		if current == slots {
			e.released = append(e.released, r.place(o, want, ref)...)
			continue
		}
		// swap with whoever holds the wanted label
		displaced := o.bound[want]
		o.bound[want] = ref
		ref.Label = want.label()
		o.bound[current] = displaced
		if displaced != nil {
			displaced.Label = current.label()
		}
	}
	r.mu.Unlock()
	if e.update {
		r.fire(e)
	}
}

// Prune forgets the metadata known tracks that are not present anymore.
func (r *Router) Prune(ownerID string, present []string) {
	keep := make(map[string]struct{}, len(present))
	for _, id := range present {
		keep[id] = struct{}{}
	}
	r.mu.Lock()
	o, ok := r.owners[ownerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := false
	for id := range o.meta {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(o.meta, id)
		if r.remove(o, id) {
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.fire(events{owner: ownerID, update: true})
	}
}

func (r *Router) remove(o *owner, trackID string) bool {
	ref, ok := o.tracks[trackID]
	if !ok {
		return false
	}
	o.forget(trackID)
	if s := o.slotOf(ref); s != slots {
		o.bound[s] = nil
		if s != audio {
			o.promote(s)
		}
	}
	return true
}

// Remove unbinds the track, its label becomes free.
func (r *Router) Remove(ownerID, trackID string) {
	r.mu.Lock()
	o, ok := r.owners[ownerID]
	changed := ok && r.remove(o, trackID)
	r.mu.Unlock()
	if changed {
		r.fire(events{owner: ownerID, update: true})
	}
}

// Drop forgets everything about the owner.
func (r *Router) Drop(ownerID string) {
	r.mu.Lock()
	o, ok := r.owners[ownerID]
	delete(r.owners, ownerID)
	had := ok && !o.bindings().IsEmpty()
	r.mu.Unlock()
	if had {
		r.fire(events{owner: ownerID, update: true})
	}
}

func (r *Router) Bindings(ownerID string) Bindings {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.owners[ownerID]; ok {
		return o.bindings()
	}
	return Bindings{}
}

// Find returns the track by its id.
func (r *Router) Find(ownerID, trackID string) (Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.owners[ownerID]; ok {
		if ref, ok := o.tracks[trackID]; ok {
			return *ref, true
		}
	}
	return Ref{}, false
}
