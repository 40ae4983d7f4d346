package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/step"
)

// Options configures a Coordinator.
type Options struct {
	GraphID  string
	Mode     Mode
	PageSize int
	Run      step.RunInfo
	Logger   *zap.Logger
	// Now is used for UpdatedAt; tests override it.
	Now func() time.Time
}

// Coordinator drives one paginated source. Fetching and committing are
// separate: the engine commits a page only once every item of it has
// been handed downstream, so a failure mid-page leaves the checkpoint
// where it was and the page is delivered again by the next run.
type Coordinator struct {
	source step.PageSource
	store  Store
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	committed Checkpoint
	cursor    string
	since     time.Time
	fetched   int
	done      bool
	started   bool
}

// NewCoordinator creates a coordinator for src persisting to store.
func NewCoordinator(src step.PageSource, store Store, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	return &Coordinator{
		source: src,
		store:  store,
		opts:   opts,
		logger: opts.Logger.With(zap.String("graph_id", opts.GraphID), zap.String("node_id", src.NodeID())),
	}
}

// NodeID returns the source node id.
func (c *Coordinator) NodeID() string { return c.source.NodeID() }

// Start reads the stored checkpoint and positions the cursor. In full mode
// the stored state is ignored; in incremental mode an unfinished crawl
// continues from its token and a finished one starts a new crawl bounded
// by the stored watermark.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.committed = Checkpoint{GraphID: c.opts.GraphID, NodeID: c.source.NodeID()}
	c.started = true

	stored, ok, err := c.store.Load(ctx, c.opts.GraphID, c.source.NodeID())
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for %s: %w", c.source.NodeID(), err)
	}
	if c.opts.Mode == ModeFull || !ok {
		c.logger.Info("crawl starting from the beginning", zap.String("mode", string(c.opts.Mode)), zap.Bool("stored", ok))
		return nil
	}

	c.committed = stored
	if stored.Token != "" && !stored.Exhausted {
		c.cursor = stored.Token
		c.since = stored.Since
	} else {
		c.since = stored.Watermark
		c.committed.Since = stored.Watermark
		c.committed.Exhausted = false
	}
	c.logger.Info("crawl resuming from checkpoint",
		zap.String("token", c.cursor),
		zap.Time("since", c.since),
		zap.Int("pages", stored.Pages))
	return nil
}

// Exhausted reports whether the source returned its last page.
func (c *Coordinator) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// FetchNextPage asks the source for the page after the cursor.
func (c *Coordinator) FetchNextPage(ctx context.Context) (step.Page, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return step.Page{}, fmt.Errorf("coordinator for %s not started", c.source.NodeID())
	}
	if c.done {
		c.mu.Unlock()
		return step.Page{Done: true}, nil
	}
	req := step.PageRequest{Token: c.cursor, Since: c.since, PageSize: c.opts.PageSize, Run: c.opts.Run}
	c.mu.Unlock()

	page, err := c.source.FetchPage(ctx, req)
	if err != nil {
		return step.Page{}, fmt.Errorf("failed to fetch page from %s (token %q): %w", c.source.NodeID(), req.Token, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched++
	if page.Done || page.NextToken == "" {
		page.Done = true
		page.NextToken = ""
		c.done = true
	} else {
		c.cursor = page.NextToken
	}
	c.logger.Debug("page fetched",
		zap.String("token", req.Token),
		zap.String("next_token", page.NextToken),
		zap.Int("items", len(page.Items)),
		zap.Bool("done", page.Done))
	return page, nil
}

// Commit persists the position after page. Pages must be committed in the
// order they were fetched.
func (c *Coordinator) Commit(ctx context.Context, page step.Page) (Checkpoint, error) {
	c.mu.Lock()
	next := c.committed
	next.Token = page.NextToken
	next.Exhausted = page.Done
	if page.Watermark.After(next.Watermark) {
		next.Watermark = page.Watermark
	}
	if next.Since.IsZero() {
		next.Since = c.since
	}
	next.Pages++
	next.UpdatedAt = c.opts.Now()
	c.mu.Unlock()

	if err := c.store.Save(ctx, next); err != nil {
		return c.Checkpoint(), fmt.Errorf("failed to save checkpoint for %s: %w", c.source.NodeID(), err)
	}

	c.mu.Lock()
	c.committed = next
	c.mu.Unlock()
	c.logger.Debug("checkpoint advanced",
		zap.String("token", next.Token),
		zap.Bool("exhausted", next.Exhausted),
		zap.Int("pages", next.Pages))
	return next, nil
}

// Checkpoint returns the last committed state.
func (c *Coordinator) Checkpoint() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Fetched returns the number of pages fetched this run.
func (c *Coordinator) Fetched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}
