// Package selfplay drives many concurrent games of self-play: per-game
// search scheduling, worker threads that batch leaf evaluations across
// games, the coordinator that owns the shared resources, and the output
// writers that hand finished games to the serialization collaborators.
package selfplay

import (
	"github.com/pkg/errors"

	"github.com/janpfeifer/goZero/internal/parameters"
)

// Options configure a self-play run. Build them with DefaultOptions and
// FromParams; Validate must pass before any worker starts.
type Options struct {
	// BoardSize is the board side, 9 or 19.
	BoardSize int

	// NumReadouts per normal move.
	NumReadouts int

	// FastplayFrequency enables playout-cap oscillation: with this
	// probability a move uses FastplayReadouts readouts and no root noise.
	// A fast move searches on top of the reused tree; when oscillation is
	// enabled, the tree is cleared before every full-readout move instead.
	FastplayFrequency float64
	FastplayReadouts  int

	// VirtualLosses is the number of leaves one game queues per worker
	// iteration.
	VirtualLosses int

	// ValueInitPenalty offsets the value used to seed unvisited children,
	// see mcts.Options.
	ValueInitPenalty float32

	// DirichletAlpha and NoiseMix shape the root noise
	// P ← (1-mix)·P + mix·Dir(α).
	DirichletAlpha float64
	NoiseMix       float32

	// PolicySoftmaxTemp is the exponent on visit counts for soft picking
	// and the training target.
	PolicySoftmaxTemp float32

	// SoftPickCutoff is the move number from which moves are picked
	// deterministically. 0 disables soft picking entirely.
	SoftPickCutoff int

	// RestrictPassAliveThreshold is the number of opponent passes after
	// which own plays inside pass-alive regions are disallowed. 0
	// disables the restriction.
	RestrictPassAliveThreshold int

	// AllowPass: when false, pass is only searched when no legal
	// alternative exists.
	AllowPass bool

	// TargetPruning applies ReshapeFinalVisits to the search policy
	// targets of trainable moves.
	TargetPruning bool

	// Resignation. The per-game threshold is drawn uniformly from
	// [MinResignThreshold, MaxResignThreshold], and resignation is
	// disabled entirely for a DisableResignPct fraction of games so the
	// resignation false-positive rate stays measurable.
	ResignEnabled      bool
	MinResignThreshold float32
	MaxResignThreshold float32
	DisableResignPct   float64

	// HoldoutPct of games are labeled as held-out validation data.
	HoldoutPct float64

	// HistoryLen is the number of recent positions fed to the evaluator.
	HistoryLen int

	// Inference cache sizing.
	CacheSizeMB int
	CacheShards int

	// Thread pool sizes.
	SelfplayThreads          int
	ConcurrentGamesPerThread int
	ParallelSearch           int
	ParallelInference        int
	OutputThreads            int

	// NumGames is the total game budget. Mutually exclusive with
	// RunForever.
	NumGames   int
	RunForever bool

	// AbortFile, if non-empty and RunForever, is polled; its presence
	// aborts the run.
	AbortFile string

	// Seed of the run. 0 picks a time-based seed; anything else makes
	// every per-game stream deterministic.
	Seed uint64

	// Komi passed through to the position service when scoring.
	Komi float32
}

// DefaultOptions returns the defaults for a 19×19 self-play run.
func DefaultOptions() Options {
	return Options{
		BoardSize:                  19,
		NumReadouts:                800,
		FastplayFrequency:          0,
		FastplayReadouts:           64,
		VirtualLosses:              8,
		ValueInitPenalty:           2,
		DirichletAlpha:             0.03,
		NoiseMix:                   0.25,
		PolicySoftmaxTemp:          0.98,
		SoftPickCutoff:             30,
		RestrictPassAliveThreshold: 4,
		AllowPass:                  true,
		TargetPruning:              true,
		ResignEnabled:              true,
		MinResignThreshold:         -0.99,
		MaxResignThreshold:         -0.8,
		DisableResignPct:           0.1,
		HoldoutPct:                 0.05,
		HistoryLen:                 8,
		CacheSizeMB:                256,
		CacheShards:                8,
		SelfplayThreads:            3,
		ConcurrentGamesPerThread:   16,
		ParallelSearch:             2,
		ParallelInference:          2,
		OutputThreads:              1,
		NumGames:                   0,
		RunForever:                 false,
		Seed:                       0,
		Komi:                       7.5,
	}
}

// FromParams overlays a "key=value,..." configuration string onto the
// defaults. Unknown keys are an error: a typo silently falling back to a
// default would be very expensive to discover mid-run.
func FromParams(params parameters.Params) (Options, error) {
	opts := DefaultOptions()
	var err error
	pop := func(fn func() error) {
		if err == nil {
			err = fn()
		}
	}
	popInt := func(key string, dst *int) {
		pop(func() (e error) { *dst, e = parameters.PopParamOr(params, key, *dst); return })
	}
	popFloat32 := func(key string, dst *float32) {
		pop(func() (e error) { *dst, e = parameters.PopParamOr(params, key, *dst); return })
	}
	popFloat64 := func(key string, dst *float64) {
		pop(func() (e error) { *dst, e = parameters.PopParamOr(params, key, *dst); return })
	}
	popBool := func(key string, dst *bool) {
		pop(func() (e error) { *dst, e = parameters.PopParamOr(params, key, *dst); return })
	}

	popInt("board_size", &opts.BoardSize)
	popInt("num_readouts", &opts.NumReadouts)
	popFloat64("fastplay_frequency", &opts.FastplayFrequency)
	popInt("fastplay_readouts", &opts.FastplayReadouts)
	popInt("virtual_losses", &opts.VirtualLosses)
	popFloat32("value_init_penalty", &opts.ValueInitPenalty)
	popFloat64("dirichlet_alpha", &opts.DirichletAlpha)
	popFloat32("noise_mix", &opts.NoiseMix)
	popFloat32("policy_softmax_temp", &opts.PolicySoftmaxTemp)
	popInt("soft_pick_cutoff", &opts.SoftPickCutoff)
	popInt("restrict_pass_alive_play_threshold", &opts.RestrictPassAliveThreshold)
	popBool("allow_pass", &opts.AllowPass)
	popBool("target_pruning", &opts.TargetPruning)
	popBool("resign_enabled", &opts.ResignEnabled)
	popFloat32("min_resign_threshold", &opts.MinResignThreshold)
	popFloat32("max_resign_threshold", &opts.MaxResignThreshold)
	popFloat64("disable_resign_pct", &opts.DisableResignPct)
	popFloat64("holdout_pct", &opts.HoldoutPct)
	popInt("history_len", &opts.HistoryLen)
	popInt("cache_size_mb", &opts.CacheSizeMB)
	popInt("cache_shards", &opts.CacheShards)
	popInt("selfplay_threads", &opts.SelfplayThreads)
	popInt("concurrent_games_per_thread", &opts.ConcurrentGamesPerThread)
	popInt("parallel_search", &opts.ParallelSearch)
	popInt("parallel_inference", &opts.ParallelInference)
	popInt("output_threads", &opts.OutputThreads)
	popInt("num_games", &opts.NumGames)
	popBool("run_forever", &opts.RunForever)
	pop(func() (e error) { opts.AbortFile, e = parameters.PopParamOr(params, "abort_file", opts.AbortFile); return })
	pop(func() (e error) { opts.Seed, e = parameters.PopParamOr(params, "seed", opts.Seed); return })
	popFloat32("komi", &opts.Komi)
	if err != nil {
		return opts, err
	}
	if err := params.AssertEmpty(); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

// Validate returns an error on any configuration mismatch. These are fatal
// before workers start.
func (opts *Options) Validate() error {
	if opts.BoardSize != 9 && opts.BoardSize != 19 {
		return errors.Errorf("board_size must be 9 or 19, got %d", opts.BoardSize)
	}
	if opts.NumGames > 0 && opts.RunForever {
		return errors.New("num_games and run_forever are mutually exclusive")
	}
	if opts.NumGames <= 0 && !opts.RunForever {
		return errors.New("either num_games > 0 or run_forever must be set")
	}
	if opts.NumReadouts <= 0 {
		return errors.Errorf("num_readouts must be positive, got %d", opts.NumReadouts)
	}
	if opts.FastplayFrequency < 0 || opts.FastplayFrequency > 1 {
		return errors.Errorf("fastplay_frequency must be in [0, 1], got %g", opts.FastplayFrequency)
	}
	if opts.FastplayFrequency > 0 && opts.FastplayReadouts <= 0 {
		return errors.Errorf("fastplay_readouts must be positive with fastplay_frequency=%g",
			opts.FastplayFrequency)
	}
	if opts.VirtualLosses <= 0 {
		return errors.Errorf("virtual_losses must be positive, got %d", opts.VirtualLosses)
	}
	if opts.ValueInitPenalty < -1 || opts.ValueInitPenalty > 2 {
		return errors.Errorf("value_init_penalty must be in [-1, 2], got %g", opts.ValueInitPenalty)
	}
	if opts.NoiseMix < 0 || opts.NoiseMix >= 1 {
		return errors.Errorf("noise_mix must be in [0, 1), got %g", opts.NoiseMix)
	}
	if opts.NoiseMix > 0 && opts.DirichletAlpha <= 0 {
		return errors.Errorf("dirichlet_alpha must be positive with noise_mix=%g", opts.NoiseMix)
	}
	if opts.SoftPickCutoff > 0 && opts.PolicySoftmaxTemp <= 0 {
		return errors.Errorf("policy_softmax_temp must be positive, got %g", opts.PolicySoftmaxTemp)
	}
	if opts.MinResignThreshold > opts.MaxResignThreshold {
		return errors.Errorf("min_resign_threshold %g > max_resign_threshold %g",
			opts.MinResignThreshold, opts.MaxResignThreshold)
	}
	if opts.MaxResignThreshold >= 0 {
		return errors.Errorf("max_resign_threshold must be negative, got %g", opts.MaxResignThreshold)
	}
	if opts.DisableResignPct < 0 || opts.DisableResignPct > 1 {
		return errors.Errorf("disable_resign_pct must be in [0, 1], got %g", opts.DisableResignPct)
	}
	if opts.HoldoutPct < 0 || opts.HoldoutPct > 1 {
		return errors.Errorf("holdout_pct must be in [0, 1], got %g", opts.HoldoutPct)
	}
	if opts.HistoryLen <= 0 {
		return errors.Errorf("history_len must be positive, got %d", opts.HistoryLen)
	}
	if opts.CacheSizeMB <= 0 {
		return errors.Errorf("cache_size_mb must be positive, got %d", opts.CacheSizeMB)
	}
	if opts.SelfplayThreads <= 0 || opts.ConcurrentGamesPerThread <= 0 ||
		opts.ParallelSearch <= 0 || opts.ParallelInference <= 0 || opts.OutputThreads <= 0 {
		return errors.New("all thread pool sizes must be positive")
	}
	return nil
}

// concurrentGames is the number of games in flight across all workers.
func (opts *Options) concurrentGames() int {
	return opts.SelfplayThreads * opts.ConcurrentGamesPerThread
}
