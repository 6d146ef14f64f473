package network

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_BridgeLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	prefix := netip.MustParsePrefix("10.10.0.1/24")

	obs, err := m.Observe(ctx, "vmbr0")
	require.NoError(t, err)
	assert.False(t, obs.Exists)

	idx, err := m.EnsureBridge(ctx, "vmbr0")
	require.NoError(t, err)
	again, err := m.EnsureBridge(ctx, "vmbr0")
	require.NoError(t, err)
	assert.Equal(t, idx, again)

	require.NoError(t, m.EnsureAddress(ctx, idx, prefix))
	require.NoError(t, m.EnsureAddress(ctx, idx, prefix))
	require.NoError(t, m.SetLinkUp(ctx, idx))

	obs, err = m.Observe(ctx, "vmbr0")
	require.NoError(t, err)
	assert.True(t, obs.Exists)
	assert.True(t, obs.Up)
	assert.Equal(t, KindBridge, obs.Kind)
	assert.Equal(t, idx, obs.LinkIndex)
	assert.Equal(t, []netip.Prefix{prefix}, obs.Addresses)
	assert.True(t, obs.HasAddress(prefix))

	require.NoError(t, m.DeleteBridge(ctx, "vmbr0"))
	require.NoError(t, m.DeleteBridge(ctx, "vmbr0"))
	_, exists := m.Link("vmbr0")
	assert.False(t, exists)
}

func TestMemory_AddressConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	idx, err := m.EnsureBridge(ctx, "vmbr0")
	require.NoError(t, err)
	require.NoError(t, m.EnsureAddress(ctx, idx, netip.MustParsePrefix("10.10.0.1/24")))

	err = m.EnsureAddress(ctx, idx, netip.MustParsePrefix("10.20.0.1/24"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAddressConflict))

	var nerr *Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, OpEnsureAddress, nerr.Op)
	assert.Equal(t, "vmbr0", nerr.Link)

	// Other family is independent
	require.NoError(t, m.EnsureAddress(ctx, idx, netip.MustParsePrefix("fd00::1/64")))
}

func TestMemory_WrongLinkType(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.AddLink("vmbr0", "veth")

	_, err := m.EnsureBridge(ctx, "vmbr0")
	assert.True(t, errors.Is(err, ErrWrongLinkType))

	err = m.DeleteBridge(ctx, "vmbr0")
	assert.True(t, errors.Is(err, ErrWrongLinkType))

	obs, ok := m.Link("vmbr0")
	require.True(t, ok)
	assert.Equal(t, "veth", obs.Kind)
}

func TestMemory_DeleteBridgeWithPorts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.EnsureBridge(ctx, "vmbr0")
	require.NoError(t, err)
	m.AddLink("tap0", "tun")
	require.NoError(t, m.SetMaster("tap0", "vmbr0"))

	err = m.DeleteBridge(ctx, "vmbr0")
	assert.True(t, errors.Is(err, ErrInUse))

	require.NoError(t, m.SetMaster("tap0", ""))
	require.NoError(t, m.DeleteBridge(ctx, "vmbr0"))
}

func TestMemory_FailNextAndCalls(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	busy := newError(OpEnsureBridge, "vmbr0", ErrBusy, nil)

	var seen []string
	m.OnCall(func(c Call) { seen = append(seen, c.Op) })
	m.FailNext(OpEnsureBridge, busy)

	_, err := m.EnsureBridge(ctx, "vmbr0")
	assert.True(t, errors.Is(err, ErrBusy))
	assert.True(t, IsTransient(err))

	_, err = m.EnsureBridge(ctx, "vmbr0")
	require.NoError(t, err)
	_, err = m.Observe(ctx, "vmbr0")
	require.NoError(t, err)

	assert.Equal(t, []string{OpEnsureBridge, OpEnsureBridge, OpObserve}, seen)
	assert.Len(t, m.Calls(), 3)
	assert.Len(t, m.Mutations(), 2)

	m.ResetCalls()
	assert.Empty(t, m.Calls())
}

func TestMemory_UnknownIndex(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.SetLinkUp(ctx, 99)
	assert.True(t, errors.Is(err, ErrLinkNotFound))
	err = m.EnsureAddress(ctx, 99, netip.MustParsePrefix("10.10.0.1/24"))
	assert.True(t, errors.Is(err, ErrLinkNotFound))
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.EnsureBridge(ctx, "vmbr0")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, m.Calls())
}

func TestError(t *testing.T) {
	cause := errors.New("operation not permitted")
	err := newError(OpEnsureBridge, "vmbr0", ErrPermissionDenied, cause)

	assert.Equal(t, "EnsureBridge vmbr0: permission denied: operation not permitted", err.Error())
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsTransient(err))

	assert.Equal(t, "Observe vmbr0: operation not supported", newError(OpObserve, "vmbr0", ErrNotSupported, nil).Error())
}

func TestInstrument(t *testing.T) {
	m := NewMemory()
	a := Instrument(m)
	ctx := context.Background()

	idx, err := a.EnsureBridge(ctx, "vmbr0")
	require.NoError(t, err)
	require.NoError(t, a.EnsureAddress(ctx, idx, netip.MustParsePrefix("10.10.0.1/24")))
	require.NoError(t, a.SetLinkUp(ctx, idx))
	_, err = a.Observe(ctx, "vmbr0")
	require.NoError(t, err)
	require.NoError(t, a.DeleteBridge(ctx, "vmbr0"))

	assert.Len(t, m.Calls(), 5)
}
