package service

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogBindAndLookup(t *testing.T) {
	c := NewCatalog()
	remote := Remote[greeter]("greeter", "coordinator", func(Channel) greeter { return &staticGreeter{} })
	require.NoError(t, Bind[greeter](c, remote))
	require.NoError(t, Bind[int](c, Local[int]("counter")))

	got, ok := Lookup[RemoteKey[greeter]](c, "greeter")
	require.True(t, ok)
	assert.Equal(t, remote.Identity(), got.Identity())

	// Wrong concrete key type.
	_, ok = Lookup[LocalKey[greeter]](c, "greeter")
	assert.False(t, ok)

	kind, ok := c.Kind("greeter")
	require.True(t, ok)
	assert.Equal(t, KindRemote, kind)
	assert.Equal(t, []string{"counter", "greeter"}, c.Capabilities())
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, Bind[int](c, Local[int]("counter")))
	err := Bind[int](c, Local[int]("counter"))
	assert.True(t, errdefs.IsAlreadyExists(err), "Bind() error = %v", err)
}
