package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"capctl/internal/model"
)

func TestRegisterUpdateOrAppend(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := Load(path)
	require.NoError(t, err)

	created, err := r.Register("cam-a", []string{"camera"}, "", "")
	require.NoError(t, err)
	require.True(t, created)

	// Re-registering updates in place.
	created, err = r.Register("cam-a", []string{"camera", "thermal"}, "203.0.113.9:4711", "cone_or_restricted")
	require.NoError(t, err)
	require.False(t, created)

	node, ok := r.Get("cam-a")
	require.True(t, ok)
	require.Equal(t, []string{"camera", "thermal"}, node.Capabilities)
	require.Equal(t, model.ConnConnected, node.State)
	require.Equal(t, "203.0.113.9:4711", node.PublicAddr)
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := Load(path)
	require.NoError(t, err)

	_, err = r.Register("cam-a", []string{"camera"}, "", "")
	require.NoError(t, err)
	r.SetEstimate("cam-a", model.SyncEstimate{Offset: 12 * time.Millisecond, Drift: 1e-5, Confident: true})

	reloaded, err := Load(path)
	require.NoError(t, err)

	node, ok := reloaded.Get("cam-a")
	require.True(t, ok)
	require.Equal(t, 12*time.Millisecond, node.Offset)
	// Connections and sync trust never survive a restart.
	require.Equal(t, model.ConnDisconnected, node.State)
	require.False(t, node.Synced)
}

func TestSetEstimatePromotesToReady(t *testing.T) {
	t.Parallel()

	r, err := Load(filepath.Join(t.TempDir(), "registry.yaml"))
	require.NoError(t, err)
	_, err = r.Register("cam-a", []string{"camera"}, "", "")
	require.NoError(t, err)

	r.SetEstimate("cam-a", model.SyncEstimate{Confident: false})
	node, _ := r.Get("cam-a")
	require.Equal(t, model.ConnConnected, node.State)

	r.SetEstimate("cam-a", model.SyncEstimate{Confident: true})
	node, _ = r.Get("cam-a")
	require.Equal(t, model.ConnReady, node.State)
	require.True(t, node.Synced)
}

func TestUnregisterIsOnlyRemovalPath(t *testing.T) {
	t.Parallel()

	r, err := Load(filepath.Join(t.TempDir(), "registry.yaml"))
	require.NoError(t, err)
	_, err = r.Register("cam-a", []string{"camera"}, "", "")
	require.NoError(t, err)

	// Disconnecting marks the node but keeps the record.
	r.SetState("cam-a", model.ConnDisconnected)
	_, ok := r.Get("cam-a")
	require.True(t, ok)

	require.NoError(t, r.Unregister("cam-a"))
	_, ok = r.Get("cam-a")
	require.False(t, ok)

	require.Error(t, r.Unregister("cam-a"))
}

func TestListSortedAndReadyIDs(t *testing.T) {
	t.Parallel()

	r, err := Load(filepath.Join(t.TempDir(), "registry.yaml"))
	require.NoError(t, err)
	for _, id := range []string{"cam-c", "cam-a", "bio-b"} {
		_, err := r.Register(id, []string{"biosignal"}, "", "")
		require.NoError(t, err)
	}
	r.SetState("cam-c", model.ConnDegraded)

	nodes := r.List()
	require.Equal(t, []string{"bio-b", "cam-a", "cam-c"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID})
	require.Equal(t, []string{"bio-b", "cam-a"}, r.ReadyIDs())
}
