// Package static is a paginated source over records listed in the node
// settings. It is used for demos and for replaying captured input.
package static

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/step"
)

// Type is the registry name.
const Type = "static"

// DefaultPageSize is used when neither the node nor the settings set one.
const DefaultPageSize = 10

// Settings of a static source.
type Settings struct {
	Records  []map[string]any `json:"records" validate:"required"`
	IDField  string           `json:"idField"`
	SourceID string           `json:"sourceId"`
	PageSize int              `json:"pageSize" validate:"gte=0"`
}

// Source implements step.PageSource. Tokens are record offsets.
type Source struct {
	step.BaseStep
	settings Settings
}

// New is the registry factory.
func New(cfg step.Config) (step.Step, error) {
	s := Settings{IDField: "id", SourceID: Type}
	if err := step.Decode(cfg.Settings, &s); err != nil {
		return nil, err
	}
	return &Source{BaseStep: step.NewBaseStep(cfg), settings: s}, nil
}

// FetchPage implements step.PageSource.
func (s *Source) FetchPage(ctx context.Context, req step.PageRequest) (step.Page, error) {
	if err := ctx.Err(); err != nil {
		return step.Page{}, err
	}
	offset := 0
	if req.Token != "" {
		n, err := strconv.Atoi(req.Token)
		if err != nil || n < 0 {
			return step.Page{}, fmt.Errorf("invalid continuation token %q", req.Token)
		}
		offset = n
	}
	size := req.PageSize
	if size <= 0 {
		size = s.settings.PageSize
	}
	if size <= 0 {
		size = DefaultPageSize
	}

	records := s.settings.Records
	end := min(offset+size, len(records))
	page := step.Page{Watermark: time.Now().UTC()}
	for i := offset; i < end; i++ {
		page.Items = append(page.Items, s.record(i, records[i]))
	}
	if end >= len(records) {
		page.Done = true
	} else {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Source) record(i int, rec map[string]any) *item.Item {
	id := fmt.Sprintf("%s-%d", s.NodeID(), i)
	if v, ok := rec[s.settings.IDField]; ok {
		id = fmt.Sprint(v)
	}
	// records are shared between runs
	it := item.New(id, (&item.Item{Data: rec}).Clone().Data)
	it.ID.SourceID = s.settings.SourceID
	it.Metadata["offset"] = strconv.Itoa(i)
	return it
}

// Process forwards items. A static node that is not a graph start acts as
// a plain step.
func (s *Source) Process(_ context.Context, in step.Input) step.Output {
	return step.Success(in.Item)
}
