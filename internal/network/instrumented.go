package network

import (
	"context"
	"net/netip"

	"github.com/jbweber/homelab/vmnetd/internal/metrics"
)

type instrumented struct {
	next Adapter
}

// Instrument counts every call made through next.
func Instrument(next Adapter) Adapter {
	return &instrumented{next: next}
}

func (i *instrumented) EnsureBridge(ctx context.Context, name string) (int, error) {
	idx, err := i.next.EnsureBridge(ctx, name)
	metrics.RecordAdapterOperation(OpEnsureBridge, err)
	return idx, err
}

func (i *instrumented) EnsureAddress(ctx context.Context, linkIndex int, prefix netip.Prefix) error {
	err := i.next.EnsureAddress(ctx, linkIndex, prefix)
	metrics.RecordAdapterOperation(OpEnsureAddress, err)
	return err
}

func (i *instrumented) SetLinkUp(ctx context.Context, linkIndex int) error {
	err := i.next.SetLinkUp(ctx, linkIndex)
	metrics.RecordAdapterOperation(OpSetLinkUp, err)
	return err
}

func (i *instrumented) DeleteBridge(ctx context.Context, name string) error {
	err := i.next.DeleteBridge(ctx, name)
	metrics.RecordAdapterOperation(OpDeleteBridge, err)
	return err
}

func (i *instrumented) Observe(ctx context.Context, name string) (Observation, error) {
	obs, err := i.next.Observe(ctx, name)
	metrics.RecordAdapterOperation(OpObserve, err)
	return obs, err
}
