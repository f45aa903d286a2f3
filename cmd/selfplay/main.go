// selfplay plays Go games against itself, writing the finished games to
// the configured emitters for training.
//
// Engine options are given as a "key=value,..." string, e.g.:
//
//	selfplay -selfplay "board_size=19,num_readouts=800,num_games=1000" \
//	    -model uniform -output_dir /tmp/games
//
// The rules layer and a real evaluator backend are linked in by the build;
// without an evaluator backend only the "uniform" bootstrap model is
// available.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/goZero/internal/parameters"
	"github.com/janpfeifer/goZero/internal/profilers"
	"github.com/janpfeifer/goZero/internal/selfplay"
)

var (
	flagSelfplay = flag.String("selfplay", "", "Engine configuration, a comma-separated "+
		"list of key=value assignments. See selfplay.DefaultOptions for the keys and defaults.")
	flagOutputDir  = flag.String("output_dir", "", "Directory finished games are written to.")
	flagHoldoutDir = flag.String("holdout_dir", "", "Directory held-out games are written to. "+
		"Defaults to output_dir.")
	flagFeatureDesc = flag.String("feature_desc", "agz", "Feature-plane descriptor passed to "+
		"the training-example emitter.")

	gracePeriod = 10 * time.Second
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	safeInterrupt(cancel)
	defer cancel()

	profilers.Setup(ctx)
	defer profilers.OnQuit()

	opts := must.M1(selfplay.FromParams(parameters.NewFromConfigString(*flagSelfplay)))
	config := must.M1(buildConfig(opts))
	coordinator := must.M1(selfplay.NewCoordinator(config))
	if err := coordinator.Run(ctx); err != nil {
		klog.Exitf("Self-play failed: %+v", err)
	}
}

// safeInterrupt captures SIGINT/SIGTERM: the first signal cancels the run
// context so workers drain; if the program is still alive after the grace
// period, it exits hard.
func safeInterrupt(cancel func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		klog.Errorf("Got signal %q, shutting down... (%s grace period)", s, gracePeriod)
		cancel()
		time.Sleep(gracePeriod)
		klog.Fatalf("Graceful shutdown period of %s expired, exiting", gracePeriod)
	}()
}
