package agentdir

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
)

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewStatic(map[string][]string{
		string(intent.AgentSecurityValidator): {"sec-1", "sec-2", "sec-3"},
	})

	ids, err := d.ListInstances(ctx, intent.AgentSecurityValidator)
	require.NoError(t, err)
	require.Equal(t, []string{"sec-1", "sec-2", "sec-3"}, ids)

	require.NoError(t, d.SetHealth("sec-1", HealthDegraded))
	require.NoError(t, d.SetHealth("sec-2", HealthUnhealthy))
	usable, err := Usable(ctx, d, intent.AgentSecurityValidator)
	require.NoError(t, err)
	require.Equal(t, []string{"sec-3", "sec-1"}, usable)

	err = d.SetHealth("missing", HealthHealthy)
	require.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))

	d.Deregister("sec-3")
	usable, err = Usable(ctx, d, intent.AgentSecurityValidator)
	require.NoError(t, err)
	require.Equal(t, []string{"sec-1"}, usable)
}

func TestUsableEmptyWhenAllUnhealthy(t *testing.T) {
	ctx := context.Background()
	d := NewStatic(nil)
	d.Register(intent.AgentDeFiSafety, "defi-1")
	require.NoError(t, d.SetHealth("defi-1", HealthUnhealthy))

	usable, err := Usable(ctx, d, intent.AgentDeFiSafety)
	require.NoError(t, err)
	require.Empty(t, usable)

	none, err := Usable(ctx, d, intent.AgentDebugger)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRegisterMovesInstance(t *testing.T) {
	d := NewStatic(nil)
	d.Register(intent.AgentResearcher, "a-1")
	d.Register(intent.AgentDebugger, "a-1")

	snap := d.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, intent.AgentDebugger, snap[0].AgentType)
	require.Equal(t, HealthHealthy, snap[0].Health)
}
