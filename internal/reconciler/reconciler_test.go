package reconciler

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/network"
	"github.com/jbweber/homelab/vmnetd/internal/store"
	"github.com/jbweber/homelab/vmnetd/internal/testutil"
)

var vmbr0 = domain.ResourceKey{Kind: domain.KindBridge, Name: "vmbr0"}

type fixture struct {
	store   *store.Store
	adapter *network.Memory
	ctrl    *Controller

	mu       sync.Mutex
	statuses []domain.Phase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)

	log, _ := testutil.NewTestLogger()
	st := store.New(db, log)
	adapter := network.NewMemory()

	opts := DefaultOptions()
	opts.ResyncInterval = 0
	opts.BackoffBase = time.Millisecond
	opts.BackoffMax = 10 * time.Millisecond

	f := &fixture{
		store:   st,
		adapter: adapter,
		ctrl:    New(st, log, opts, NewBridge(adapter, st)),
	}
	st.Watch(func(ev store.Event) {
		if ev.Type != store.EventStatus {
			return
		}
		res, _, err := st.Get(context.Background(), ev.Kind, ev.Name)
		if err != nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.statuses = append(f.statuses, res.Status.Phase)
	})
	return f
}

func (f *fixture) phases() []domain.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Phase(nil), f.statuses...)
}

func (f *fixture) resetPhases() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = nil
}

func (f *fixture) put(t *testing.T, name, address, zone string) {
	t.Helper()
	_, _, err := f.store.Put(context.Background(), domain.Resource{
		APIVersion: domain.APIVersion,
		Kind:       domain.KindBridge,
		Metadata:   domain.Metadata{Name: name},
		Spec:       &domain.BridgeSpec{Address: address, DNSZone: zone, DNSServer: "100.100.100.100"},
	})
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, name string) domain.Resource {
	t.Helper()
	res, found, err := f.store.Get(context.Background(), domain.KindBridge, name)
	require.NoError(t, err)
	require.True(t, found)
	return res
}

// phase is safe to call from Eventually conditions.
func (f *fixture) phase(name string) domain.Phase {
	res, found, err := f.store.Get(context.Background(), domain.KindBridge, name)
	if err != nil || !found {
		return ""
	}
	return res.Status.Phase
}

func ops(calls []network.Call) []string {
	var out []string
	for _, c := range calls {
		out = append(out, c.Op)
	}
	return out
}

func TestReconcile_ConvergesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")

	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))

	assert.Equal(t, []string{network.OpEnsureBridge, network.OpEnsureAddress, network.OpSetLinkUp}, ops(f.adapter.Mutations()))
	assert.Equal(t, []domain.Phase{domain.PhaseConverging, domain.PhaseReady}, f.phases())

	res := f.get(t, "vmbr0")
	assert.Equal(t, domain.PhaseReady, res.Status.Phase)
	assert.Equal(t, int64(1), res.Status.ObservedGeneration)
	require.NotNil(t, res.Status.LinkIndex)

	link, ok := f.adapter.Link("vmbr0")
	require.True(t, ok)
	assert.Equal(t, *res.Status.LinkIndex, link.LinkIndex)
	assert.True(t, link.Up)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.10.0.1/24")}, link.Addresses)
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")

	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	f.adapter.ResetCalls()
	f.resetPhases()

	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	assert.Empty(t, f.adapter.Mutations())
	assert.Empty(t, f.phases())
	assert.Equal(t, []string{network.OpObserve}, ops(f.adapter.Calls()))
}

func TestReconcile_MutableUpdateNeedsNoKernelChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	f.adapter.ResetCalls()
	f.resetPhases()

	f.put(t, "vmbr0", "10.10.0.1/24", "lab.example.com")
	stale := f.get(t, "vmbr0")
	assert.Equal(t, domain.PhaseReady, stale.Status.Phase)
	assert.False(t, stale.Reached(domain.PhaseReady))

	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	assert.Empty(t, f.adapter.Mutations())

	res := f.get(t, "vmbr0")
	assert.Equal(t, domain.PhaseReady, res.Status.Phase)
	assert.Equal(t, int64(2), res.Status.ObservedGeneration)
	assert.True(t, res.Reached(domain.PhaseReady))
}

func TestReconcile_RepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	f.adapter.ResetCalls()

	f.adapter.FlushAddresses("vmbr0")
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	assert.Equal(t, []string{network.OpEnsureAddress}, ops(f.adapter.Mutations()))

	f.adapter.ResetCalls()
	f.adapter.SetDown("vmbr0")
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	assert.Equal(t, []string{network.OpSetLinkUp}, ops(f.adapter.Mutations()))

	// Bridge removed out of band is recreated
	f.adapter.RemoveLink("vmbr0")
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	link, ok := f.adapter.Link("vmbr0")
	require.True(t, ok)
	assert.True(t, link.Up)
	assert.Equal(t, link.LinkIndex, *f.get(t, "vmbr0").Status.LinkIndex)
}

func TestReconcile_StepFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")

	f.adapter.FailNext(network.OpEnsureAddress, &network.Error{Op: network.OpEnsureAddress, Link: "vmbr0", Kind: network.ErrBusy})
	err := f.ctrl.Reconcile(ctx, vmbr0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, network.ErrBusy))

	res := f.get(t, "vmbr0")
	assert.Equal(t, domain.PhaseError, res.Status.Phase)
	assert.True(t, strings.HasPrefix(res.Status.Message, "EnsureAddress: "), res.Status.Message)

	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	res = f.get(t, "vmbr0")
	assert.Equal(t, domain.PhaseReady, res.Status.Phase)
	assert.Empty(t, res.Status.Message)
}

func TestReconcile_WrongLinkType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.AddLink("vmbr0", "veth")
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")

	err := f.ctrl.Reconcile(ctx, vmbr0)
	assert.True(t, errors.Is(err, network.ErrWrongLinkType))
	assert.Equal(t, domain.PhaseError, f.get(t, "vmbr0").Status.Phase)

	link, ok := f.adapter.Link("vmbr0")
	require.True(t, ok)
	assert.Equal(t, "veth", link.Kind)
}

func TestReconcile_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))

	require.NoError(t, f.store.Delete(ctx, domain.KindBridge, "vmbr0"))
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))

	_, found, err := f.store.Get(ctx, domain.KindBridge, "vmbr0")
	require.NoError(t, err)
	assert.False(t, found)
	_, exists := f.adapter.Link("vmbr0")
	assert.False(t, exists)

	// Vanished resources are dropped
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
}

func TestReconcile_DeletionGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))

	_, err := f.store.AttachVM(ctx, "web1", "vmbr0", "10.10.0.5")
	require.NoError(t, err)
	f.adapter.ResetCalls()

	err = f.store.Delete(ctx, domain.KindBridge, "vmbr0")
	assert.True(t, errors.Is(err, store.ErrInUse))

	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	for _, c := range f.adapter.Calls() {
		assert.NotEqual(t, network.OpDeleteBridge, c.Op)
	}
	assert.Equal(t, domain.PhaseReady, f.get(t, "vmbr0").Status.Phase)
}

func TestReconcile_EnslavedPortsBlockTeardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))

	f.adapter.AddLink("tap0", "tun")
	require.NoError(t, f.adapter.SetMaster("tap0", "vmbr0"))
	require.NoError(t, f.store.Delete(ctx, domain.KindBridge, "vmbr0"))

	err := f.ctrl.Reconcile(ctx, vmbr0)
	assert.True(t, errors.Is(err, network.ErrInUse))
	res := f.get(t, "vmbr0")
	assert.Equal(t, domain.PhaseError, res.Status.Phase)
	assert.True(t, strings.HasPrefix(res.Status.Message, "DeleteBridge: "), res.Status.Message)
	assert.True(t, res.Deleting())

	require.NoError(t, f.adapter.SetMaster("tap0", ""))
	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))
	_, found, err := f.store.Get(ctx, domain.KindBridge, "vmbr0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcile_DeletionDuringConvergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")

	f.adapter.OnCall(func(c network.Call) {
		if c.Op == network.OpEnsureBridge {
			assert.NoError(t, f.store.Delete(ctx, domain.KindBridge, "vmbr0"))
		}
	})

	require.NoError(t, f.ctrl.Reconcile(ctx, vmbr0))

	assert.Equal(t, []string{network.OpEnsureBridge, network.OpDeleteBridge}, ops(f.adapter.Mutations()))
	_, found, err := f.store.Get(ctx, domain.KindBridge, "vmbr0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcile_UnknownKind(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Reconcile(context.Background(), domain.ResourceKey{Kind: "Router", Name: "r0"}))
	assert.Empty(t, f.adapter.Calls())
}

func TestController_Run(t *testing.T) {
	f := newFixture(t)
	f.store.Watch(f.ctrl.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctrl.Run(ctx) }()

	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")
	f.put(t, "vmbr1", "10.20.0.1/24", "lab.example.com")

	require.Eventually(t, func() bool {
		return f.phase("vmbr0") == domain.PhaseReady && f.phase("vmbr1") == domain.PhaseReady
	}, 5*time.Second, 10*time.Millisecond)

	// A transient failure is retried with backoff
	f.adapter.FailNext(network.OpEnsureBridge, &network.Error{Op: network.OpEnsureBridge, Link: "vmbr2", Kind: network.ErrBusy})
	f.put(t, "vmbr2", "10.30.0.1/24", "vm.example.com")
	require.Eventually(t, func() bool {
		return f.phase("vmbr2") == domain.PhaseReady
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.Delete(context.Background(), domain.KindBridge, "vmbr1"))
	require.Eventually(t, func() bool {
		_, found, err := f.store.Get(context.Background(), domain.KindBridge, "vmbr1")
		return err == nil && !found
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestController_ResyncRecoversState(t *testing.T) {
	f := newFixture(t)
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")

	// Stored before the controller started, picked up by the initial sweep
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.ctrl.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return f.phase("vmbr0") == domain.PhaseReady
	}, 5*time.Second, 10*time.Millisecond)
}

// blockObserve parks the first Observe of name until release is closed.
func blockObserve(f *fixture, name string) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	f.adapter.OnCall(func(c network.Call) {
		if c.Op != network.OpObserve || c.Link != name {
			return
		}
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-release
		}
	})
	return entered, release
}

func TestReconcile_DifferentKeysRunIndependently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")
	f.put(t, "vmbr1", "10.20.0.1/24", "lab.example.com")

	entered, release := blockObserve(f, "vmbr0")
	first := make(chan error, 1)
	go func() { first <- f.ctrl.Reconcile(ctx, vmbr0) }()
	<-entered

	second := make(chan error, 1)
	go func() {
		second <- f.ctrl.Reconcile(ctx, domain.ResourceKey{Kind: domain.KindBridge, Name: "vmbr1"})
	}()

	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("vmbr1 waited on the vmbr0 reconciliation")
	}
	assert.Equal(t, domain.PhaseReady, f.phase("vmbr1"))

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, domain.PhaseReady, f.phase("vmbr0"))
}

func TestReconcile_SameKeySerializes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")

	entered, release := blockObserve(f, "vmbr0")
	first := make(chan error, 1)
	go func() { first <- f.ctrl.Reconcile(ctx, vmbr0) }()
	<-entered

	second := make(chan error, 1)
	go func() { second <- f.ctrl.Reconcile(ctx, vmbr0) }()

	assert.Never(t, func() bool { return len(second) > 0 }, 200*time.Millisecond, 10*time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, domain.PhaseReady, f.phase("vmbr0"))
}

func TestProcessNextWorkItem_LogsByTransience(t *testing.T) {
	tests := []struct {
		name  string
		kind  error
		level logrus.Level
	}{
		{name: "transient", kind: network.ErrBusy, level: logrus.DebugLevel},
		{name: "permanent", kind: network.ErrPermissionDenied, level: logrus.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			log, hook := testutil.NewTestLogger()
			opts := DefaultOptions()
			opts.BackoffBase = time.Hour
			opts.BackoffMax = time.Hour
			c := New(f.store, log, opts, NewBridge(f.adapter, f.store))
			defer c.queue.ShutDown()

			f.put(t, "vmbr0", "10.10.0.1/24", "vm.example.com")
			f.adapter.FailNext(network.OpEnsureBridge, &network.Error{Op: network.OpEnsureBridge, Link: "vmbr0", Kind: tt.kind})
			c.Enqueue(vmbr0)
			require.True(t, c.processNextWorkItem(context.Background()))

			var found bool
			for _, e := range hook.AllEntries() {
				if strings.HasPrefix(e.Message, "reconcile ") && strings.HasSuffix(e.Message, ", retrying") {
					found = true
					assert.Equal(t, tt.level, e.Level)
				}
			}
			assert.True(t, found)
			assert.Equal(t, domain.PhaseError, f.phase("vmbr0"))
		})
	}
}
