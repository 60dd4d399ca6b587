package fault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPoint = "SaveAllocation"

func TestInjectorFailTimes(t *testing.T) {
	i := NewInjector()
	injected := errors.New("disk full")
	i.FailTimes(testPoint, 2, injected)

	assert.ErrorIs(t, i.Eval(testPoint), injected)
	assert.ErrorIs(t, i.Eval(testPoint), injected)
	assert.NoError(t, i.Eval(testPoint))
	assert.NoError(t, i.Eval("DeleteAllocation"))
}

func TestInjectorFailAlwaysUntilCleared(t *testing.T) {
	i := NewInjector()
	injected := errors.New("read-only")
	i.FailAlways(testPoint, injected)

	assert.ErrorIs(t, i.Eval(testPoint), injected)
	assert.ErrorIs(t, i.Eval(testPoint), injected)

	i.Clear(testPoint)
	assert.NoError(t, i.Eval(testPoint))
}

func TestInjectorHookSeesArguments(t *testing.T) {
	i := NewInjector()
	rejected := errors.New("rejected")
	i.SetHook(testPoint, func(args ...any) error {
		require.Len(t, args, 1)
		if args[0] == "web-2" {
			return rejected
		}
		return nil
	})

	assert.NoError(t, i.Eval(testPoint, "web-1"))
	assert.ErrorIs(t, i.Eval(testPoint, "web-2"), rejected)

	i.Reset()
	assert.NoError(t, i.Eval(testPoint, "web-2"))
}

func TestInjectorHookBeforeQueued(t *testing.T) {
	i := NewInjector()
	fromHook := errors.New("hook")
	queued := errors.New("queued")
	i.FailOnce(testPoint, queued)
	i.SetHook(testPoint, func(...any) error { return fromHook })

	err := i.Eval(testPoint)
	assert.ErrorIs(t, err, fromHook)
	assert.NotErrorIs(t, err, queued)
}
