package reconciler

import (
	"context"
	"fmt"

	"k8s.io/utils/ptr"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/network"
	"github.com/jbweber/homelab/vmnetd/internal/store"
)

// Bridge converges Bridge resources: the bridge device exists, carries the
// spec address, and is up.
type Bridge struct {
	adapter network.Adapter
	store   Store
}

var _ Strategy = (*Bridge)(nil)

// NewBridge returns the Bridge strategy
func NewBridge(adapter network.Adapter, st Store) *Bridge {
	return &Bridge{adapter: adapter, store: st}
}

func (b *Bridge) Kind() string {
	return domain.KindBridge
}

func (b *Bridge) Converge(ctx context.Context, res domain.Resource, p Progress) (domain.Status, error) {
	name := res.Metadata.Name
	prefix := res.Spec.(*domain.BridgeSpec).Prefix()

	obs, err := b.adapter.Observe(ctx, name)
	if err != nil {
		return domain.Status{}, &StepError{Step: network.OpObserve, Err: err}
	}

	isBridge := obs.Exists && obs.Kind == network.KindBridge
	needBridge := !isBridge
	needAddress := !isBridge || !obs.HasAddress(prefix)
	needUp := !isBridge || !obs.Up

	index := obs.LinkIndex
	if needBridge || needAddress || needUp {
		if err := p.Mutating(ctx); err != nil {
			return domain.Status{}, err
		}
	}

	if needBridge {
		if index, err = b.adapter.EnsureBridge(ctx, name); err != nil {
			return domain.Status{}, &StepError{Step: network.OpEnsureBridge, Err: err}
		}
		if err := p.Check(ctx); err != nil {
			return domain.Status{}, err
		}
	}

	if needAddress {
		if err := b.adapter.EnsureAddress(ctx, index, prefix); err != nil {
			return domain.Status{}, &StepError{Step: network.OpEnsureAddress, Err: err}
		}
		if err := p.Check(ctx); err != nil {
			return domain.Status{}, err
		}
	}

	if needUp {
		if err := b.adapter.SetLinkUp(ctx, index); err != nil {
			return domain.Status{}, &StepError{Step: network.OpSetLinkUp, Err: err}
		}
	}

	return domain.Status{
		ObservedGeneration: res.Metadata.Generation,
		Phase:              domain.PhaseReady,
		LinkIndex:          ptr.To(index),
	}, nil
}

func (b *Bridge) Finalize(ctx context.Context, res domain.Resource) error {
	name := res.Metadata.Name

	count, err := b.store.CountActiveAttachments(ctx, name)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %d active attachments", store.ErrInUse, count)
	}

	if err := b.adapter.DeleteBridge(ctx, name); err != nil {
		return &StepError{Step: network.OpDeleteBridge, Err: err}
	}
	return nil
}
