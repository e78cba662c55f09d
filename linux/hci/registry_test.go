package hci

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRegistryIDs(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()

	f0, f1, f2 := newFakeCtrl(), newFakeCtrl(), newFakeCtrl()
	d0 := newTestDevice(t, f0)
	amp := newTestDevice(t, f1, OptAMP())
	d2 := newTestDevice(t, f2)

	id, err := reg.Register(amp)
	require.NoError(t, err)
	require.Equal(t, 1, id)
	require.Equal(t, "hci1", amp.Name())

	id, err = reg.Register(d0)
	require.NoError(t, err)
	require.Equal(t, 0, id)

	id, err = reg.Register(d2)
	require.NoError(t, err)
	require.Equal(t, 2, id)

	_, err = reg.Register(d0)
	require.Equal(t, ErrBusy, errors.Cause(err))

	list := reg.List()
	require.Len(t, list, 3)
	for i, d := range list {
		require.Equal(t, i, d.ID())
	}

	d, err := reg.Get(2)
	require.NoError(t, err)
	require.Same(t, d2, d)
	_, err = reg.Get(7)
	require.Equal(t, ErrNoDevice, err)

	for _, d := range list {
		d.powerOn.Wait()
		require.True(t, d.IsUp())
	}
	require.Equal(t, DevAMP, amp.Type())
	require.True(t, amp.sched.blockMode())
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry()
	f := newFakeCtrl()
	d := newTestDevice(t, f)

	_, err := reg.Register(d)
	require.NoError(t, err)
	d.powerOn.Wait()
	require.True(t, d.IsUp())
	require.NoError(t, reg.Unregister(d))
	require.Equal(t, ErrNoDevice, reg.Unregister(d))

	require.False(t, d.IsUp())
	require.Equal(t, 1, f.closeCount())
	require.True(t, d.flags.test(FlagUnregister))
	require.Zero(t, d.Flags()&(FlagSetup|FlagAutoOff))
	require.Empty(t, reg.List())

	// an unregistered device can't be opened
	require.Equal(t, ErrNoDevice, d.Open())

	// the freed id is handed out again
	d2 := newTestDevice(t, newFakeCtrl())
	id, err := reg.Register(d2)
	require.NoError(t, err)
	require.Zero(t, id)
	require.NoError(t, reg.Shutdown())
	require.Empty(t, reg.List())
	require.False(t, d2.IsUp())
}

func TestRegistryRawDevice(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()
	f := newFakeCtrl()
	d := newTestDevice(t, f, OptQuirks(QuirkRawDevice))

	_, err := reg.Register(d)
	require.NoError(t, err)
	d.powerOn.Wait()

	require.False(t, d.IsUp())
	require.True(t, d.flags.test(FlagUnconfigured))
	require.True(t, d.flags.test(FlagRaw))
	require.Error(t, d.Open())
}

func TestRegistryUnregisterDuringPowerOn(t *testing.T) {
	reg := NewRegistry()
	defer reg.Shutdown()
	f := newFakeCtrl()
	d := newTestDevice(t, f)

	_, err := reg.Register(d)
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(d))
	d.powerOn.Wait()

	// whichever came first, the device ends down and closed
	require.False(t, d.IsUp())
	require.Equal(t, f.openCount(), f.closeCount())
}
