// Package batch splits collections into envelopes that flow through a
// batch region independently, and aggregates them back once every
// envelope of a collection has settled.
package batch

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

// Envelope is one sub-collection of a split.
type Envelope struct {
	CollectionID string
	Index        int
	Count        int
	Items        []*item.Item
}

// FrameID is the lineage frame id items of the envelope carry.
func (e Envelope) FrameID() string {
	return e.CollectionID + "/" + strconv.Itoa(e.Index)
}

// Frame returns the lineage frame pushed onto the envelope's items by
// the split node nodeID.
func (e Envelope) Frame(nodeID string) item.Frame {
	return item.Frame{ID: e.FrameID(), Kind: item.FrameBatch, Node: nodeID, Index: e.Index}
}

// Collection is the result of a split.
type Collection struct {
	ID        string
	Size      int
	Total     int
	Envelopes []Envelope
}

// Split cuts items into ceil(n/size) ordered envelopes sharing a fresh
// collection id. The items themselves are not copied.
func Split(items []*item.Item, size int) (Collection, error) {
	if size <= 0 {
		return Collection{}, fmt.Errorf("batch size must be positive, got %d", size)
	}

	c := Collection{ID: uuid.NewString(), Size: size, Total: len(items)}
	count := (len(items) + size - 1) / size
	c.Envelopes = make([]Envelope, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*size, len(items))
		c.Envelopes = append(c.Envelopes, Envelope{
			CollectionID: c.ID,
			Index:        i,
			Count:        count,
			Items:        items[i*size : end],
		})
	}
	return c, nil
}

// ParseFrameID splits an envelope frame id into collection id and index.
func ParseFrameID(frameID string) (string, int, bool) {
	for i := len(frameID) - 1; i >= 0; i-- {
		if frameID[i] == '/' {
			idx, err := strconv.Atoi(frameID[i+1:])
			if err != nil {
				return "", 0, false
			}
			return frameID[:i], idx, true
		}
	}
	return "", 0, false
}
