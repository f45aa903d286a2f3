package selfplay

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/nn"
)

const (
	// abortPollInterval between checks for the abort file in run-forever
	// mode.
	abortPollInterval = 5 * time.Second

	// progressLogInterval in finished games.
	progressLogInterval = 64

	timeRounding = 10 * time.Millisecond
)

// NewPosition builds the initial position of one game; supplied by the
// rules layer.
type NewPosition func(boardSize int) game.Position

// Coordinator owns everything the workers share: the game budget, the
// inference cache, the evaluator pool, the sharded executor, the output
// queue, and the RNG behind the per-game coin flips.
type Coordinator struct {
	opts Options

	cache    *nn.Cache
	pool     *nn.Pool
	executor *ShardedExecutor
	queue    *gameQueue
	emitters []Emitter

	newPosition NewPosition

	outputDir         string
	holdoutDir        string
	featureDescriptor string

	// modelDir, if non-empty, is watched for new checkpoints; factory
	// loads them.
	modelDir string
	factory  nn.Factory

	seed uint64

	mu             sync.Mutex
	rng            *rand.Rand
	gamesRemaining int
	nextGameID     int
	stopped        bool

	gamesFinished int
	movesPlayed   int64
	runStarted    time.Time
}

// CoordinatorConfig wires the external collaborators into a Coordinator.
type CoordinatorConfig struct {
	Options     Options
	Evaluators  []nn.Evaluator
	Emitters    []Emitter
	NewPosition NewPosition

	OutputDir         string
	HoldoutDir        string
	FeatureDescriptor string

	// ModelDir and Factory enable checkpoint rollover; both optional.
	ModelDir string
	Factory  nn.Factory
}

// NewCoordinator validates the configuration and builds the run's shared
// state. Configuration mismatches are returned before any worker starts.
func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	opts := config.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(config.Evaluators) == 0 {
		return nil, errors.New("at least one evaluator handle is required")
	}
	if len(config.Evaluators) != opts.ParallelInference {
		return nil, errors.Errorf("got %d evaluator handles, parallel_inference=%d",
			len(config.Evaluators), opts.ParallelInference)
	}
	if config.NewPosition == nil {
		return nil, errors.New("a NewPosition constructor is required")
	}

	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
		klog.V(1).Infof("Using time-based seed %d", seed)
	}

	c := &Coordinator{
		opts:              opts,
		cache:             nn.NewCache(opts.BoardSize, opts.CacheSizeMB, opts.CacheShards, opts.concurrentGames()),
		pool:              nn.NewPool(2 * opts.ParallelInference),
		executor:          NewShardedExecutor(opts.ParallelSearch),
		queue:             newGameQueue(),
		emitters:          config.Emitters,
		newPosition:       config.NewPosition,
		outputDir:         config.OutputDir,
		holdoutDir:        config.HoldoutDir,
		featureDescriptor: config.FeatureDescriptor,
		modelDir:          config.ModelDir,
		factory:           config.Factory,
		seed:              seed,
		rng:               rand.New(rand.NewSource(mixSeed(seed, 0))),
		gamesRemaining:    opts.NumGames,
	}
	for _, evaluator := range config.Evaluators {
		c.pool.Add(evaluator)
	}
	return c, nil
}

// mixSeed derives a per-stream seed from the run seed, splitmix64-style,
// so streams are decorrelated but reproducible.
func mixSeed(seed, stream uint64) uint64 {
	z := seed + stream*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Run plays until the game budget is exhausted (or forever), blocking
// until every worker and output thread has drained. The returned error
// aggregates whatever the thread groups reported.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runStarted = time.Now()
	klog.Infof("Starting self-play: %d worker(s) × %d game(s), %d readouts/move, board %d×%d",
		c.opts.SelfplayThreads, c.opts.ConcurrentGamesPerThread,
		c.opts.NumReadouts, c.opts.BoardSize, c.opts.BoardSize)

	// Stop handing out new games once ctx is cancelled; in-flight games
	// still finish.
	if ctx.Err() != nil {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
	}()

	watchCtx, cancelWatchers := context.WithCancel(context.Background())
	var watchers errgroup.Group
	if c.opts.RunForever && c.opts.AbortFile != "" {
		watchers.Go(func() error {
			c.watchAbortFile(watchCtx)
			return nil
		})
	}
	if c.modelDir != "" && c.factory != nil {
		watchers.Go(func() error {
			return nn.WatchModelDir(watchCtx, c.modelDir, "", c.pool, c.factory)
		})
	}

	var outputs errgroup.Group
	for i := 0; i < c.opts.OutputThreads; i++ {
		w := &outputWriter{
			id:                i,
			queue:             c.queue,
			emitters:          c.emitters,
			outputDir:         c.outputDir,
			holdoutDir:        c.holdoutDir,
			featureDescriptor: c.featureDescriptor,
		}
		outputs.Go(w.run)
	}

	var workers errgroup.Group
	for i := 0; i < c.opts.SelfplayThreads; i++ {
		w := newWorker(i, c)
		workers.Go(w.run)
	}
	var result *multierror.Error
	result = multierror.Append(result, workers.Wait())

	// One nil sentinel per output thread, pushed only after every worker
	// has drained.
	for i := 0; i < c.opts.OutputThreads; i++ {
		c.queue.push(nil)
	}
	result = multierror.Append(result, outputs.Wait())

	cancelWatchers()
	result = multierror.Append(result, watchers.Wait())

	stats := c.cache.Stats()
	klog.Infof("Finished: %s game(s), %s move(s) in %s; cache hit rate %.1f%%",
		humanize.Comma(int64(c.gamesFinished)), humanize.Comma(c.movesPlayed),
		time.Since(c.runStarted).Round(timeRounding), 100*stats.HitRate())
	return result.ErrorOrNil()
}

// watchAbortFile polls for the abort file; its presence is a fatal
// external signal.
func (c *Coordinator) watchAbortFile(ctx context.Context) {
	ticker := time.NewTicker(abortPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(c.opts.AbortFile); err == nil {
				klog.Fatalf("Abort file %q present, aborting", c.opts.AbortFile)
			}
		}
	}
}

// startNewGame returns a fresh game driver, or nil once the budget is
// exhausted or the run was cancelled. The per-game resignation and holdout
// coin flips happen here, under the coordinator's RNG.
func (c *Coordinator) startNewGame() *Game {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	if !c.opts.RunForever {
		if c.gamesRemaining == 0 {
			return nil
		}
		c.gamesRemaining--
	}
	id := c.nextGameID
	c.nextGameID++

	resignEnabled := c.opts.ResignEnabled && c.rng.Float64() >= c.opts.DisableResignPct
	span := c.opts.MaxResignThreshold - c.opts.MinResignThreshold
	resignThreshold := c.opts.MinResignThreshold + span*float32(c.rng.Float64())
	holdout := c.rng.Float64() < c.opts.HoldoutPct

	position := c.newPosition(c.opts.BoardSize)
	return newGame(id, position, &c.opts, mixSeed(c.seed, uint64(id)+1),
		resignEnabled, resignThreshold, holdout)
}

// endGame queues a finished game for the output threads and updates the
// run counters.
func (c *Coordinator) endGame(g *Game) {
	c.mu.Lock()
	c.gamesFinished++
	c.movesPlayed += int64(len(g.Moves()))
	finished, moves := c.gamesFinished, c.movesPlayed
	c.mu.Unlock()

	if finished%progressLogInterval == 0 && klog.V(1).Enabled() {
		elapsed := time.Since(c.runStarted).Seconds()
		stats := c.cache.Stats()
		klog.Infof("Progress: %s games (%.2f/s), %s moves (%.1f/s), cache hit rate %.1f%%",
			humanize.Comma(int64(finished)), float64(finished)/elapsed,
			humanize.Comma(moves), float64(moves)/elapsed, 100*stats.HitRate())
	}
	c.queue.push(g)
}

// CacheStats exposes the inference cache counters, mostly for tests and
// the final log line.
func (c *Coordinator) CacheStats() nn.CacheStats {
	return c.cache.Stats()
}

// GamesFinished returns the number of games completed so far.
func (c *Coordinator) GamesFinished() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gamesFinished
}
