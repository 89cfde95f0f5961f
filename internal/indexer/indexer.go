package indexer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gbmm/internal/gbapi"
	"gbmm/internal/jobs"
	"gbmm/internal/storage"
)

const (
	FullJobName  = "full_indexer"
	QuickJobName = "quick_indexer"

	pageSize = 100

	// quickOverlap widens the quick-index window because upstream
	// publish-date indexing lags wall clock. Merges are idempotent on id,
	// so overlap is safe where a gap is not.
	quickOverlap = 24 * time.Hour

	// maxOffsetFailures is how many consecutive failures at the same page
	// offset the crawl tolerates before the job fails.
	maxOffsetFailures = 3

	publishDateLayout = "2006-01-02 15:04:05"
)

// ErrIndexerActive is returned when a start request collides with an
// indexer that is already running or paused.
var ErrIndexerActive = errors.New("an indexer is already active")

// Indexer starts and supervises the catalog crawl jobs.
type Indexer struct {
	log     *slog.Logger
	client  *gbapi.Client
	store   *storage.Store
	manager *jobs.Manager
	now     func() time.Time
}

// New wires the indexer and registers its job factories with the manager.
func New(log *slog.Logger, client *gbapi.Client, store *storage.Store, manager *jobs.Manager) *Indexer {
	ix := &Indexer{
		log:     log.With("component", "indexer"),
		client:  client,
		store:   store,
		manager: manager,
		now:     time.Now,
	}
	manager.Register(FullJobName, func() jobs.Runner { return &crawlJob{ix: ix} })
	manager.Register(QuickJobName, func() jobs.Runner { return &crawlJob{ix: ix, quick: true} })
	return ix
}

// Active returns the live indexer jobs of either kind.
func (ix *Indexer) Active() []*jobs.Job {
	active := ix.manager.Active(FullJobName)
	return append(active, ix.manager.Active(QuickJobName)...)
}

// StartFull launches a full catalog crawl. At most one indexer of either
// kind may be live at a time.
func (ix *Indexer) StartFull() (*jobs.Job, error) {
	if len(ix.Active()) > 0 {
		return nil, ErrIndexerActive
	}
	return ix.manager.Start(FullJobName)
}

// StartQuick launches an incremental crawl over the recent publish window.
// When no full index has ever completed it degrades to a full crawl.
func (ix *Indexer) StartQuick() (*jobs.Job, error) {
	system, err := ix.store.System()
	if err != nil {
		return nil, err
	}
	if system.IndexerFullLastUpdate == nil {
		ix.log.Info("no completed full index, degrading quick to full")
		return ix.StartFull()
	}
	if len(ix.Active()) > 0 {
		return nil, ErrIndexerActive
	}
	return ix.manager.Start(QuickJobName)
}

// quickWindow computes the publish-date filter bounds for a quick crawl.
func (ix *Indexer) quickWindow(system *storage.SystemState) (start, end time.Time) {
	last := system.IndexerFullLastUpdate
	if q := system.IndexerQuickLastUpdate; q != nil && (last == nil || q.After(*last)) {
		last = q
	}
	end = ix.now().UTC()
	if last == nil {
		return end.Add(-quickOverlap), end
	}
	return last.UTC().Add(-quickOverlap), end
}

// RefreshShows crawls every video show and merges it into the store.
func (ix *Indexer) RefreshShows() (int, error) {
	return ix.refreshAll(gbapi.KindVideoShow)
}

// RefreshCategories crawls every video category and merges it into the store.
func (ix *Indexer) RefreshCategories() (int, error) {
	return ix.refreshAll(gbapi.KindVideoCategory)
}

func (ix *Indexer) refreshAll(kind *gbapi.Kind) (int, error) {
	sel := ix.client.Select(kind).Sort("id", gbapi.SortAsc).Limit(pageSize)
	merged := 0
	for {
		recs, err := sel.Next()
		if errors.Is(err, gbapi.ErrEndOfResults) {
			return merged, nil
		}
		if err != nil {
			return merged, fmt.Errorf("refresh %s: %w", kind.CollectionName, err)
		}
		n, err := ix.store.MergeRecords(recs)
		merged += n
		if err != nil {
			return merged, err
		}
	}
}

// crawlJob is the shared body of the full and quick indexer jobs. It
// checkpoints its cursor into the job record after each page, so pause,
// resume and recovery all continue from the last merged offset.
type crawlJob struct {
	ix    *Indexer
	quick bool
}

func (c *crawlJob) Run(ctx *jobs.Context) error {
	sel := c.ix.client.Select(gbapi.KindVideo).
		Sort("id", gbapi.SortAsc).
		Limit(pageSize).
		Priority(gbapi.PriorityLow)
	if c.quick {
		system, err := c.ix.store.System()
		if err != nil {
			return err
		}
		start, end := c.ix.quickWindow(system)
		sel.Filter("publish_date", fmt.Sprintf("%s|%s",
			start.Format(publishDateLayout), end.Format(publishDateLayout)))
	}
	return c.crawl(ctx, sel)
}

func (c *crawlJob) Resume(ctx *jobs.Context) error {
	return c.reenter(ctx)
}

func (c *crawlJob) Recover(ctx *jobs.Context) error {
	return c.reenter(ctx)
}

func (c *crawlJob) reenter(ctx *jobs.Context) error {
	data := ctx.Data()
	if data == "" {
		// Interrupted before the first page; start over.
		return c.Run(ctx)
	}
	sel, err := c.ix.client.SelectFromSessionData(data)
	if err != nil {
		return fmt.Errorf("restore crawl cursor: %w", err)
	}
	return c.crawl(ctx, sel)
}

func (c *crawlJob) crawl(ctx *jobs.Context, sel *gbapi.ResourceSelect) error {
	failures := 0
	for {
		if ctx.ShouldYield() {
			return c.checkpoint(ctx, sel)
		}
		recs, err := sel.Next()
		if errors.Is(err, gbapi.ErrEndOfResults) {
			break
		}
		if err != nil {
			// The cursor does not advance on failure, so this retries the
			// same offset up to the tolerance.
			failures++
			ctx.Log.Warn("crawl page failed", "failures", failures, "error", err)
			if failures >= maxOffsetFailures {
				return fmt.Errorf("crawl failed %d times at the same offset: %w", failures, err)
			}
			continue
		}
		failures = 0
		if _, err := c.ix.store.MergeRecords(recs); err != nil {
			return err
		}
		ctx.SetProgress(int64(sel.CountFromBeginning()), int64(sel.TotalResults()))
		if err := c.checkpoint(ctx, sel); err != nil {
			return err
		}
	}
	return c.complete(ctx)
}

func (c *crawlJob) checkpoint(ctx *jobs.Context, sel *gbapi.ResourceSelect) error {
	data, err := sel.SessionData()
	if err != nil {
		return fmt.Errorf("checkpoint crawl cursor: %w", err)
	}
	ctx.SetData(data)
	return nil
}

func (c *crawlJob) complete(ctx *jobs.Context) error {
	system, err := c.ix.store.System()
	if err != nil {
		return err
	}
	now := c.ix.now().UTC()
	if c.quick {
		system.IndexerQuickLastUpdate = &now
	} else {
		system.IndexerFullLastUpdate = &now
	}
	return c.ix.store.SaveSystem(system)
}
