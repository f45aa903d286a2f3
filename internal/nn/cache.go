package nn

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/symmetry"
)

// CacheKey identifies a canonical position: the last move mapped into the
// canonical frame, the side to play, and the canonical (hash-minimal)
// stone hash. Two positions that are symmetries of each other produce the
// same key, which is the whole point of canonicalization. Positions
// without a canonical form never touch the cache.
type CacheKey struct {
	Move   game.Coord
	ToPlay game.Color
	Hash   uint64
}

// cacheEntry stores a model output in canonical form.
type cacheEntry struct {
	policy []float32
	value  float32
}

type cacheShard struct {
	mu  sync.Mutex
	lru *lru.LRU[CacheKey, *cacheEntry]
}

// Cache is the inference cache shared by all workers: a sharded LRU map
// from canonical positions to model outputs. Each shard is guarded by its
// own mutex; the only failure mode is capacity eviction.
type Cache struct {
	shards    []cacheShard
	boardSize int
	numMoves  int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// entryOverheadBytes approximates the per-entry cost beyond the policy
// floats: key, map bucket and list element bookkeeping.
const entryOverheadBytes = 80

// NewCache builds a cache of roughly sizeMB megabytes split over numShards
// shards. numShards is clamped to [1, maxShards]; more shards than
// concurrent games only adds mutexes nobody contends for.
func NewCache(boardSize, sizeMB, numShards, maxShards int) *Cache {
	if sizeMB <= 0 {
		exceptions.Panicf("nn: cache size %dMB invalid", sizeMB)
	}
	if numShards > maxShards {
		numShards = maxShards
	}
	if numShards < 1 {
		numShards = 1
	}
	numMoves := game.NumMoves(boardSize)
	entryBytes := numMoves*4 + entryOverheadBytes
	totalEntries := (sizeMB << 20) / entryBytes
	perShard := totalEntries / numShards
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache{
		shards:    make([]cacheShard, numShards),
		boardSize: boardSize,
		numMoves:  numMoves,
	}
	for i := range c.shards {
		var err error
		c.shards[i].lru, err = lru.NewLRU[CacheKey, *cacheEntry](perShard, nil)
		if err != nil {
			exceptions.Panicf("nn: building cache shard: %v", err)
		}
	}
	klog.V(1).Infof("Inference cache: %s in %d shard(s), %s entries of %s each",
		humanize.IBytes(uint64(sizeMB)<<20), numShards,
		humanize.Comma(int64(totalEntries)), humanize.IBytes(uint64(entryBytes)))
	return c
}

func (c *Cache) shardFor(key CacheKey) *cacheShard {
	return &c.shards[key.Hash%uint64(len(c.shards))]
}

// TryGet looks the canonical position up and, on a hit, writes the stored
// output into out transformed from canonical form into the caller's
// inference symmetry. The pass entry is never symmetry-transformed.
func (c *Cache) TryGet(key CacheKey, canonicalSym, inferenceSym symmetry.Symmetry, out *ModelOutput) bool {
	shard := c.shardFor(key)
	shard.mu.Lock()
	entry, found := shard.lru.Get(key)
	var canonical []float32
	var value float32
	if found {
		// Copy under the lock: another worker may merge into this
		// entry as soon as the mutex drops.
		canonical = append([]float32(nil), entry.policy...)
		value = entry.value
	}
	shard.mu.Unlock()
	if !found {
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)

	if len(out.Policy) != c.numMoves {
		out.Policy = make([]float32, c.numMoves)
	}
	symmetry.ApplyPolicy(symmetry.Concat(canonicalSym, inferenceSym), c.boardSize, canonical, out.Policy)
	out.Value = value
	return true
}

// Merge transforms out back to canonical form and folds it into the cache:
// averaged into an existing entry, inserted otherwise. out is overwritten
// with the merged value transformed back into the inference symmetry, so
// every concurrent game reading a newer copy sees the averaged output.
func (c *Cache) Merge(key CacheKey, canonicalSym, inferenceSym symmetry.Symmetry, out *ModelOutput) {
	toPosition := symmetry.Concat(canonicalSym, inferenceSym)
	toCanonical := symmetry.Inverse(toPosition)

	canonical := make([]float32, c.numMoves)
	symmetry.ApplyPolicy(toCanonical, c.boardSize, out.Policy, canonical)
	value := out.Value

	shard := c.shardFor(key)
	shard.mu.Lock()
	if entry, found := shard.lru.Get(key); found {
		for i := range canonical {
			canonical[i] = (canonical[i] + entry.policy[i]) / 2
		}
		value = (value + entry.value) / 2
		copy(entry.policy, canonical)
		entry.value = value
	} else {
		stored := make([]float32, c.numMoves)
		copy(stored, canonical)
		shard.lru.Add(key, &cacheEntry{policy: stored, value: value})
	}
	shard.mu.Unlock()

	symmetry.ApplyPolicy(toPosition, c.boardSize, canonical, out.Policy)
	out.Value = value
}

// CacheStats are cumulative hit/miss counters.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

// Stats returns the cumulative counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
