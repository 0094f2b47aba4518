//go:build unit

package relay

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
)

type appFunc func(launcher *Launcher) error

func (fn appFunc) Run(launcher *Launcher) error { return fn(launcher) }

func TestLauncherRunsAllApps(t *testing.T) {
	t.Parallel()

	var ran atomic.Int32

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("first", appFunc(func(*Launcher) error {
			ran.Add(1)
			return nil
		})),
		RunApp("second", appFunc(func(*Launcher) error {
			ran.Add(1)
			return nil
		})),
	)

	require.NoError(t, launcher.RunWithError())
	assert.Equal(t, int32(2), ran.Load())
}

func TestLauncherAppErrorDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	var ran atomic.Int32

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("failing", appFunc(func(*Launcher) error {
			return errors.New("boom")
		})),
		RunApp("healthy", appFunc(func(*Launcher) error {
			ran.Add(1)
			return nil
		})),
	)

	require.NoError(t, launcher.RunWithError())
	assert.Equal(t, int32(1), ran.Load())
}

func TestLauncherRequiresLogger(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher()

	assert.ErrorIs(t, launcher.RunWithError(), ErrLoggerNil)
}

func TestLauncherRejectsInvalidRegistrations(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(WithLogger(log.NewNop()))

	assert.ErrorIs(t, launcher.Add("  ", appFunc(func(*Launcher) error { return nil })), ErrEmptyApp)
	assert.ErrorIs(t, launcher.Add("app", nil), ErrNilApp)
}

func TestLauncherSurfacesConfigErrors(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("", appFunc(func(*Launcher) error { return nil })),
	)

	err := launcher.RunWithError()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigFailed)
	assert.ErrorIs(t, err, ErrEmptyApp)
}
