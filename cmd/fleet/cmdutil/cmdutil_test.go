package cmdutil

import (
	"testing"

	"nodefleet/config"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		CurrentContext: "prod",
		Contexts: map[string]config.Context{
			"prod":    {Coordinator: "coord.prod:7443", Network: "prod", Cluster: "rack-a"},
			"staging": {Coordinator: "coord.staging:7443"},
		},
	}
}

func TestResolveUsesCurrentContext(t *testing.T) {
	t.Setenv(envCoordinator, "")
	f := &Flags{}
	got, err := f.resolve(testConfig())
	require.NoError(t, err)
	assert.Equal(t, Target{Context: "prod", Coordinator: "coord.prod:7443", Network: "prod", Cluster: "rack-a"}, got)
}

func TestResolveNamedContext(t *testing.T) {
	t.Setenv(envCoordinator, "env:7443")
	f := &Flags{Context: "staging"}
	got, err := f.resolve(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "coord.staging:7443", got.Coordinator, "a named context wins over the environment")

	_, err = (&Flags{Context: "missing"}).resolve(testConfig())
	assert.True(t, errdefs.IsNotFound(err))
}

func TestResolveOverrides(t *testing.T) {
	t.Setenv(envCoordinator, "env:7443")
	got, err := (&Flags{}).resolve(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "env:7443", got.Coordinator)
	assert.Equal(t, "rack-a", got.Cluster)

	got, err = (&Flags{Coordinator: "flag:7443"}).resolve(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "flag:7443", got.Coordinator)
}

func TestResolveWithoutCoordinator(t *testing.T) {
	t.Setenv(envCoordinator, "")
	_, err := (&Flags{}).resolve(&config.Config{Contexts: map[string]config.Context{}})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestClusterName(t *testing.T) {
	target := Target{Cluster: "rack-a"}
	name, err := target.ClusterName("")
	require.NoError(t, err)
	assert.Equal(t, "rack-a", name)

	name, err = target.ClusterName("rack-b")
	require.NoError(t, err)
	assert.Equal(t, "rack-b", name)

	_, err = Target{}.ClusterName(" ")
	assert.True(t, errdefs.IsInvalidArgument(err))
}
