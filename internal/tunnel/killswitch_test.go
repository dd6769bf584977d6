package tunnel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKillSwitchEngageAndRelease(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ks.Engage(ctx, env.dev))
	blackholes := 0
	for _, r := range env.fake.Routes() {
		if r.Type == "blackhole" {
			blackholes++
		}
	}
	require.Equal(t, 2, blackholes)
	// The command channel's subnet stays reachable.
	require.Equal(t, 1, countDest(env.fake.Routes(), "10.0.2.0/24"))

	require.NoError(t, env.ks.Release(ctx, env.dev))
	require.NoError(t, env.ks.Release(ctx, env.dev))
	require.Empty(t, tunnelRoutes(env.fake))
	require.Equal(t, 2, env.fake.CountCommands("iptables -X JORK_KS"))
}

func TestApplyLiftsKillSwitch(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ks.Engage(ctx, env.dev))
	require.NoError(t, env.life.Apply(ctx, env.dev, modelEndpoint("10.0.0.9", 1080)))

	for _, r := range env.fake.Routes() {
		if r.Type == "blackhole" {
			t.Fatalf("blackhole survived apply: %s", r)
		}
	}
	require.Equal(t, 1, countDest(env.fake.Routes(), "0.0.0.0/1"))
}

func TestKillSwitchReplacesLiveTunnelRoutes(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	ctx := context.Background()
	require.NoError(t, env.life.Apply(ctx, env.dev, modelEndpoint("10.0.0.9", 1080)))
	require.NoError(t, env.ks.Engage(ctx, env.dev))

	for _, r := range env.fake.Routes() {
		if r.Dest == "0.0.0.0/1" || r.Dest == "128.0.0.0/1" {
			require.Equal(t, "blackhole", r.Type)
		}
	}
}
