package engine

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/config"
	"github.com/lazypower/factlog/internal/store"
)

// reducerStore is the slice of the store a reduction pass needs.
type reducerStore interface {
	LoadWatermark(ctx context.Context, name string) (*time.Time, error)
	SaveWatermark(ctx context.Context, name string, mark *time.Time, now time.Time) error
	ListReductionCandidates(ctx context.Context, from time.Time) ([]store.Fact, error)
	LatestVersion(ctx context.Context, factID string) (*store.FactVersion, error)
	ApplyReduction(ctx context.Context, r store.Reduction) (*store.ReductionResult, error)
	StartRun(ctx context.Context, kind string, now time.Time) (int64, error)
	FinishRun(ctx context.Context, id int64, status string, scanned, persisted, failed int, note string, now time.Time) error
}

// Engine owns the fact store service, the lifecycle reducer and the ranking
// pass, and optionally schedules the two passes in the background.
type Engine struct {
	DB  *store.DB
	cfg config.Config
	log *zap.Logger
	now func() time.Time

	reducer  reducerStore
	resolved *cache.Cache

	reduceMu sync.Mutex
	rankMu   sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Engine.
func New(db *store.DB, cfg config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := time.Duration(cfg.Ingest.ResolveCacheMinutes) * time.Minute
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Engine{
		DB:       db,
		cfg:      cfg,
		log:      logger,
		now:      time.Now,
		reducer:  db,
		resolved: cache.New(ttl, 2*ttl),
		stopCh:   make(chan struct{}),
	}
}

// SetClock replaces the wall clock, for tests and replays.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// clock returns the current time at the store's millisecond precision.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

// Config returns the engine's configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Start launches the reduce and rank schedulers. Each pass runs once right
// away and then every configured interval; an interval of 0 disables it.
func (e *Engine) Start() {
	if e.cfg.Reducer.EnableGitHub || e.cfg.Reducer.EnableJira {
		e.log.Warn("reducer.external_close.stub",
			zap.Bool("github", e.cfg.Reducer.EnableGitHub),
			zap.Bool("jira", e.cfg.Reducer.EnableJira),
			zap.String("active_signal", "done_marker"))
	}

	e.schedule("reduce", time.Duration(e.cfg.Reducer.IntervalMinutes)*time.Minute, func(ctx context.Context) error {
		_, err := e.Reduce(ctx)
		return err
	})
	e.schedule("rank", time.Duration(e.cfg.Ranking.IntervalMinutes)*time.Minute, func(ctx context.Context) error {
		_, err := e.Rank(ctx)
		return err
	})
}

func (e *Engine) schedule(name string, every time.Duration, pass func(context.Context) error) {
	if every <= 0 {
		e.log.Info("scheduler.disabled", zap.String("pass", name))
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		run := func() {
			if err := pass(context.Background()); err != nil {
				e.log.Error("scheduler.pass.error", zap.String("pass", name), zap.Error(err))
			}
		}

		run()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				run()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the engine's background goroutines and waits for any
// in-flight pass to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
