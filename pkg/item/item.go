// Package item defines the unit of content that flows between pipeline steps.
package item

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Identity is immutable for the life of an item. CanonicalID identifies the
// logical document, SourceID the external record it came from and UniqueID
// distinguishes derived copies (rows split out of one document).
type Identity struct {
	CanonicalID string `json:"canonicalId"`
	SourceID    string `json:"sourceId,omitempty"`
	UniqueID    string `json:"uniqueId,omitempty"`
}

// FrameKind identifies why a lineage frame was pushed.
type FrameKind string

const (
	// FrameFork is pushed by a node whose branches reconverge at a fan-in.
	FrameFork FrameKind = "fork"
	// FrameBatch is pushed per envelope by a batch split.
	FrameBatch FrameKind = "batch"
	// FramePage is pushed per page fetched by a checkpointed source.
	FramePage FrameKind = "page"
)

// Frame is one level of lineage. Items sharing a frame ID descend from the
// same fork, envelope or page.
type Frame struct {
	ID    string    `json:"id"`
	Kind  FrameKind `json:"kind"`
	Node  string    `json:"node"`
	Index int       `json:"index"`
}

// Item is a content item. Data is the payload and may be mutated by the step
// currently owning the item; Summary and Metadata carry derived and
// descriptive fields. Trail and Lineage are maintained by the runtime.
type Item struct {
	ID       Identity          `json:"id"`
	Data     map[string]any    `json:"data,omitempty"`
	Summary  map[string]any    `json:"summary,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Trail    []string          `json:"trail,omitempty"`
	Lineage  []Frame           `json:"-"`
}

// New creates an item with the given canonical id and payload.
func New(canonicalID string, data map[string]any) *Item {
	if data == nil {
		data = make(map[string]any)
	}
	return &Item{
		ID:       Identity{CanonicalID: canonicalID},
		Data:     data,
		Summary:  make(map[string]any),
		Metadata: make(map[string]string),
	}
}

// Key returns the identity used for result and failure reporting.
func (it *Item) Key() string {
	if it.ID.UniqueID == "" {
		return it.ID.CanonicalID
	}
	return it.ID.CanonicalID + "#" + it.ID.UniqueID
}

// Clone deep-copies the payload maps so the clone can be handed to another
// branch. Identity is preserved.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	return &Item{
		ID:       it.ID,
		Data:     cloneMap(it.Data),
		Summary:  cloneMap(it.Summary),
		Metadata: maps.Clone(it.Metadata),
		Trail:    slices.Clone(it.Trail),
		Lineage:  slices.Clone(it.Lineage),
	}
}

// Derive returns a copy with a fresh UniqueID and the given payload, sharing
// the canonical and source ids. Used when one item fans into several rows.
func (it *Item) Derive(data map[string]any) *Item {
	d := it.Clone()
	d.ID.UniqueID = uuid.NewString()
	if data != nil {
		d.Data = data
	}
	return d
}

// Visit appends nodeID to the trail.
func (it *Item) Visit(nodeID string) {
	it.Trail = append(it.Trail, nodeID)
}

// Top returns the innermost lineage frame, if any.
func (it *Item) Top() (Frame, bool) {
	if len(it.Lineage) == 0 {
		return Frame{}, false
	}
	return it.Lineage[len(it.Lineage)-1], true
}

// Push appends a frame.
func (it *Item) Push(f Frame) {
	it.Lineage = append(it.Lineage, f)
}

// PopTo truncates lineage so that frameID is removed together with any frame
// pushed after it. It reports whether frameID was present.
func (it *Item) PopTo(frameID string) bool {
	for i := len(it.Lineage) - 1; i >= 0; i-- {
		if it.Lineage[i].ID == frameID {
			it.Lineage = it.Lineage[:i]
			return true
		}
	}
	return false
}

// HasFrame reports whether frameID is on the lineage stack.
func (it *Item) HasFrame(frameID string) bool {
	for _, f := range it.Lineage {
		if f.ID == frameID {
			return true
		}
	}
	return false
}

// Merge overlays other's payload, summary and metadata onto it and unions
// the trails. Identity and lineage are left untouched.
func (it *Item) Merge(other *Item) {
	if other == nil {
		return
	}
	if it.Data == nil {
		it.Data = make(map[string]any)
	}
	maps.Copy(it.Data, cloneMap(other.Data))
	if it.Summary == nil {
		it.Summary = make(map[string]any)
	}
	maps.Copy(it.Summary, cloneMap(other.Summary))
	if it.Metadata == nil {
		it.Metadata = make(map[string]string)
	}
	maps.Copy(it.Metadata, other.Metadata)
	for _, n := range other.Trail {
		if !slices.Contains(it.Trail, n) {
			it.Trail = append(it.Trail, n)
		}
	}
}

// CloneAll clones every item in items.
func CloneAll(items []*Item) []*Item {
	out := make([]*Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// Keys returns the keys of items in order.
func Keys(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key()
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
