package main

import (
	"flag"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/nn"
	"github.com/janpfeifer/goZero/internal/selfplay"
)

var (
	flagModel = flag.String("model", "", "Model to play with: \"uniform\" for the "+
		"bootstrap evaluator, otherwise a checkpoint path loaded by the linked evaluator backend.")
	flagModelDir = flag.String("model_dir", "", "If set, watch this directory for newer "+
		"checkpoints and roll evaluator handles over to them.")
)

// buildConfig assembles the coordinator configuration from flags: the
// evaluator handles, the rules layer and the emitters.
func buildConfig(opts selfplay.Options) (selfplay.CoordinatorConfig, error) {
	config := selfplay.CoordinatorConfig{
		Options:           opts,
		OutputDir:         *flagOutputDir,
		HoldoutDir:        *flagHoldoutDir,
		FeatureDescriptor: *flagFeatureDesc,
		Emitters:          []selfplay.Emitter{resultLogger{}},
	}
	if config.HoldoutDir == "" {
		config.HoldoutDir = config.OutputDir
	}

	if !game.RulesRegistered() {
		return config, errors.New("no rules layer linked into this binary")
	}
	config.NewPosition = game.NewPosition

	switch {
	case *flagModel == "":
		return config, errors.New("-model is required (\"uniform\" or a checkpoint path)")
	case *flagModel == "uniform":
		for i := 0; i < opts.ParallelInference; i++ {
			config.Evaluators = append(config.Evaluators, &nn.UniformEvaluator{BoardSize: opts.BoardSize})
		}
	default:
		factory := nn.RegisteredFactory()
		if factory == nil {
			return config, errors.Errorf("no evaluator backend linked, cannot load model %q", *flagModel)
		}
		for i := 0; i < opts.ParallelInference; i++ {
			handle, name, err := factory(*flagModel)
			if err != nil {
				return config, errors.WithMessagef(err, "loading model %q", *flagModel)
			}
			if i == 0 {
				klog.Infof("Loaded model %q", name)
			}
			config.Evaluators = append(config.Evaluators, handle)
		}
		config.ModelDir = *flagModelDir
		config.Factory = factory
	}
	return config, nil
}

// resultLogger is the built-in emitter: it logs one line per finished
// game. It is the only emitter this binary wires in; SGF and
// training-example emitters are collaborators not included here.
type resultLogger struct{}

func (resultLogger) EmitGame(g *selfplay.Game, dir, name, featureDescriptor string) error {
	klog.Infof("Game %s: %s in %d move(s), holdout=%v", name, g.Result(), len(g.Moves()), g.Holdout())
	return nil
}
