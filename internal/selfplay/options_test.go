package selfplay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/janpfeifer/goZero/internal/parameters"
)

func TestFromParams(t *testing.T) {
	params := parameters.NewFromConfigString(
		"board_size=9,num_readouts=64,virtual_losses=4,num_games=10," +
			"fastplay_frequency=0.75,fastplay_readouts=16,noise_mix=0.3," +
			"allow_pass=false,seed=77,komi=5.5")
	opts, err := FromParams(params)
	require.NoError(t, err)
	require.Equal(t, 9, opts.BoardSize)
	require.Equal(t, 64, opts.NumReadouts)
	require.Equal(t, 4, opts.VirtualLosses)
	require.Equal(t, 10, opts.NumGames)
	require.Equal(t, 0.75, opts.FastplayFrequency)
	require.Equal(t, 16, opts.FastplayReadouts)
	require.Equal(t, float32(0.3), opts.NoiseMix)
	require.False(t, opts.AllowPass)
	require.Equal(t, uint64(77), opts.Seed)
	require.Equal(t, float32(5.5), opts.Komi)
}

func TestFromParamsRejectsUnknownKeys(t *testing.T) {
	params := parameters.NewFromConfigString("num_games=1,num_redouts=100")
	_, err := FromParams(params)
	require.ErrorContains(t, err, "num_redouts")
}

func TestValidate(t *testing.T) {
	valid := func() Options {
		opts := DefaultOptions()
		opts.NumGames = 1
		return opts
	}
	opts0 := valid()
	require.NoError(t, opts0.Validate())

	opts := valid()
	opts.RunForever = true
	require.ErrorContains(t, opts.Validate(), "mutually exclusive")

	opts = valid()
	opts.NumGames = 0
	require.Error(t, opts.Validate())

	opts = valid()
	opts.BoardSize = 13
	require.ErrorContains(t, opts.Validate(), "board_size")

	opts = valid()
	opts.NoiseMix = 1
	require.Error(t, opts.Validate())

	opts = valid()
	opts.MinResignThreshold = -0.5
	opts.MaxResignThreshold = -0.9
	require.Error(t, opts.Validate())

	opts = valid()
	opts.VirtualLosses = 0
	require.Error(t, opts.Validate())

	opts = valid()
	opts.OutputThreads = 0
	require.Error(t, opts.Validate())
}
