package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nodespace/nodespace/pkg/hierarchy"
	"github.com/nodespace/nodespace/pkg/math/vector"
	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

// ownRootTypes always embed themselves regardless of parent chain.
var ownRootTypes = map[string]struct{}{
	node.TypeTask:   {},
	node.TypeAIChat: {},
}

// Config holds embedding service settings.
type Config struct {
	// ScanInterval is how often the batch processor wakes to look for
	// stale roots.
	ScanInterval time.Duration
	// BatchSize caps roots processed per cycle.
	BatchSize int
	// IdleThreshold is the quiet period after which an edited root is
	// re-embedded (the idle trigger).
	IdleThreshold time.Duration
	// WorkBudget bounds the time spent embedding a single root.
	WorkBudget time.Duration
}

// DefaultConfig returns the settings the desktop app ships with.
func DefaultConfig() Config {
	return Config{
		ScanInterval:  15 * time.Second,
		BatchSize:     8,
		IdleThreshold: 30 * time.Second,
		WorkBudget:    5 * time.Second,
	}
}

// Completion is reported after the processor finishes a root.
type Completion struct {
	RootID string
	Chunks int
	Err    error
}

// Service owns stale tracking, the trigger surface, the background batch
// processor, and vector search.
//
// The processor follows a pull model: triggers mark roots stale in the
// store, and the worker drains the stale set on wakeup. Background failures
// never propagate to the foreground write path; the root simply stays stale
// for the next attempt.
type Service struct {
	store    storage.Store
	embedder Embedder
	hier     *hierarchy.Engine
	config   Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	trigger chan struct{}

	mu        sync.Mutex
	lastEdit  map[string]time.Time
	running   bool
	processed int
	failed    int

	// onComplete, when set, receives a Completion per processed root.
	onComplete func(Completion)
}

// NewService creates the embedding service. cfg nil-value fields fall back
// to defaults.
func NewService(store storage.Store, embedder Embedder, hier *hierarchy.Engine, cfg *Config) *Service {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.ScanInterval > 0 {
			c.ScanInterval = cfg.ScanInterval
		}
		if cfg.BatchSize > 0 {
			c.BatchSize = cfg.BatchSize
		}
		if cfg.IdleThreshold > 0 {
			c.IdleThreshold = cfg.IdleThreshold
		}
		if cfg.WorkBudget > 0 {
			c.WorkBudget = cfg.WorkBudget
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		embedder: embedder,
		hier:     hier,
		config:   c,
		ctx:      ctx,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
		lastEdit: make(map[string]time.Time),
	}
}

// SetOnComplete registers a completion callback, invoked from the worker
// goroutine.
func (s *Service) SetOnComplete(fn func(Completion)) { s.onComplete = fn }

// Start launches the background batch processor.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker()
}

// Stop shuts the processor down and waits for the in-flight cycle.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

// EmbeddingRootOf resolves the embedding root for a node: task and ai-chat
// nodes are always their own root; everything else rolls up to the nearest
// parentless ancestor.
func (s *Service) EmbeddingRootOf(ctx context.Context, id string) (string, error) {
	n, err := s.store.GetNode(ctx, id)
	if err != nil {
		return "", err
	}
	if _, own := ownRootTypes[n.NodeType]; own {
		return n.ID, nil
	}
	return s.hier.RootOf(ctx, id)
}

// QueueForEmbedding resolves id to its embedding root and marks it stale.
// Called by NodeService after every content-changing write.
func (s *Service) QueueForEmbedding(ctx context.Context, id string) error {
	rootID, err := s.EmbeddingRootOf(ctx, id)
	if err != nil {
		return err
	}
	return s.MarkRootStale(ctx, rootID)
}

// MarkRootStale flags rootID for re-embedding and records the edit time for
// the idle trigger.
func (s *Service) MarkRootStale(ctx context.Context, rootID string) error {
	if err := s.store.MarkEmbeddingStale(ctx, rootID); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastEdit[rootID] = time.Now()
	s.mu.Unlock()
	return nil
}

// OnRootClosed re-embeds rootID immediately if it is stale. Invoked when the
// user navigates away from a tree.
func (s *Service) OnRootClosed(ctx context.Context, rootID string) error {
	stale, err := s.isStale(ctx, rootID)
	if err != nil || !stale {
		return err
	}
	return s.embedRoot(ctx, rootID)
}

// OnRootIdle re-embeds rootID if it is stale and has seen no edits for the
// idle threshold.
func (s *Service) OnRootIdle(ctx context.Context, rootID string) error {
	s.mu.Lock()
	last, edited := s.lastEdit[rootID]
	s.mu.Unlock()
	if edited && time.Since(last) < s.config.IdleThreshold {
		return nil
	}
	return s.OnRootClosed(ctx, rootID)
}

// ScheduleDebounced is deprecated and retained as a no-op for one release
// window. Debouncing now lives in the close/idle triggers plus the batch
// processor.
//
// Deprecated: use QueueForEmbedding.
func (s *Service) ScheduleDebounced(string, time.Duration) {}

// ScheduleDebouncedBatch is deprecated; see ScheduleDebounced.
//
// Deprecated: use QueueForEmbedding.
func (s *Service) ScheduleDebouncedBatch([]string, time.Duration) {}

// Trigger wakes the batch processor without waiting for the scan interval.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) isStale(ctx context.Context, rootID string) (bool, error) {
	stale, err := s.store.GetNodesWithStaleEmbeddings(ctx, 0)
	if err != nil {
		return false, err
	}
	for _, n := range stale {
		if n.ID == rootID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.trigger:
			s.ProcessStaleRoots(s.ctx, s.config.BatchSize)
		case <-ticker.C:
			s.ProcessStaleRoots(s.ctx, s.config.BatchSize)
		}
	}
}

// ProcessStaleRoots embeds up to max stale roots, returning the number
// processed. Failures are counted and logged, never returned to the caller;
// failed roots stay stale for the next cycle.
func (s *Service) ProcessStaleRoots(ctx context.Context, max int) int {
	stale, err := s.store.GetNodesWithStaleEmbeddings(ctx, max)
	if err != nil {
		log.Printf("embedding: stale scan failed: %v", err)
		return 0
	}
	done := 0
	for _, root := range stale {
		if ctx.Err() != nil {
			return done
		}
		if err := s.embedRoot(ctx, root.ID); err != nil {
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
			log.Printf("embedding: root %s failed: %v", root.ID, err)
			continue
		}
		done++
	}
	return done
}

// embedRoot rebuilds every embedding for the root's tree under the per-root
// work budget and clears the stale flag.
func (s *Service) embedRoot(ctx context.Context, rootID string) error {
	budgetCtx, cancel := context.WithTimeout(ctx, s.config.WorkBudget)
	defer cancel()

	var tree *node.Nested
	root, err := s.store.GetNode(budgetCtx, rootID)
	if err != nil {
		return err
	}
	if _, own := ownRootTypes[root.NodeType]; own {
		// Tasks and chats embed only themselves.
		tree = &node.Nested{Node: root}
	} else {
		tree, err = s.store.GetChildrenTree(budgetCtx, rootID)
		if err != nil {
			return err
		}
	}

	chunks := ChunkTree(tree)
	generatedAt := time.Now().UTC().Format(time.RFC3339)
	for _, c := range chunks {
		vec32, err := embedText(budgetCtx, s.embedder, c.Text)
		if err != nil {
			return err
		}
		if err := s.store.UpdateEmbeddingVector(budgetCtx, c.NodeID, vector.ToBytes(vec32)); err != nil {
			return err
		}
		if err := s.store.UpdateEmbeddingMetadata(budgetCtx, c.NodeID, c.Meta.toMap(generatedAt)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.processed++
	delete(s.lastEdit, rootID)
	s.mu.Unlock()

	if s.onComplete != nil {
		s.onComplete(Completion{RootID: rootID, Chunks: len(chunks)})
	}
	return nil
}

// Stats reports processor counters.
type Stats struct {
	Running   bool
	Processed int
	Failed    int
}

// WorkerStats returns current processor statistics.
func (s *Service) WorkerStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Running: s.running, Processed: s.processed, Failed: s.failed}
}

// SearchOptions tune SearchRoots. Zero values select the defaults:
// threshold 0.5, limit 20. Exact is not consulted: both modes call the
// store's SearchEmbeddings, which in both shipped engines is an exact cosine
// scan; no approximate index is used.
type SearchOptions struct {
	Threshold *float64
	Limit     int
	Exact     bool
}

// SearchResult is one root hit with its similarity score.
type SearchResult struct {
	Node  *node.Node
	Score float64
}

// SearchRoots embeds the query and returns root nodes whose stored
// embeddings score at or above the threshold, sorted descending, capped at
// the limit. Section-level matches are resolved to their root, keeping the
// best score per root.
func (s *Service) SearchRoots(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", node.ErrInvalidParameter)
	}
	threshold := 0.5
	if opts.Threshold != nil {
		threshold = *opts.Threshold
		if threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("%w: threshold %v outside [0,1]", node.ErrInvalidParameter, threshold)
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	queryVec, err := embedText(ctx, s.embedder, query)
	if err != nil {
		return nil, err
	}

	// Both modes go through the store's SearchEmbeddings. Fetch unlimited
	// here because section matches collapse onto roots below.
	matches, err := s.store.SearchEmbeddings(ctx, queryVec, 0, threshold)
	if err != nil {
		return nil, err
	}

	best := map[string]float64{}
	for _, m := range matches {
		rootID, err := s.EmbeddingRootOf(ctx, m.NodeID)
		if err != nil {
			if errors.Is(err, node.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if prev, ok := best[rootID]; !ok || m.Score > prev {
			best[rootID] = m.Score
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	nodes, err := s.store.GetNodesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(best))
	for id, score := range best {
		if n, ok := nodes[id]; ok {
			results = append(results, SearchResult{Node: n, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Node.ID < results[j].Node.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
