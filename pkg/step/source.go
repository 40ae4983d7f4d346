package step

import (
	"context"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/item"
)

// PageRequest asks a source for the page after Token. Since is the stored
// watermark; sources that support incremental crawling only return content
// modified after it. An empty Token starts from the beginning.
type PageRequest struct {
	Token    string
	Since    time.Time
	PageSize int
	Run      RunInfo
}

// Page is one page of a crawl. Done marks the source as exhausted; when it
// is set NextToken is ignored. Watermark is the newest modification time
// covered by the page.
type Page struct {
	Items     []*item.Item
	NextToken string
	Done      bool
	Watermark time.Time
}

// PageSource is implemented by input steps that crawl a paginated
// external system.
type PageSource interface {
	Step
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}
