//go:build !linux

package network

import (
	"context"
	"net/netip"

	"github.com/sirupsen/logrus"
)

// Netlink is unavailable off Linux; every call fails with ErrNotSupported.
type Netlink struct{}

var _ Adapter = (*Netlink)(nil)

func NewNetlink(log *logrus.Entry) (*Netlink, error) {
	return nil, newError("open", "netlink", ErrNotSupported, nil)
}

func (n *Netlink) Close() {}

func (n *Netlink) EnsureBridge(ctx context.Context, name string) (int, error) {
	return 0, newError("EnsureBridge", name, ErrNotSupported, nil)
}

func (n *Netlink) EnsureAddress(ctx context.Context, linkIndex int, prefix netip.Prefix) error {
	return newError("EnsureAddress", "", ErrNotSupported, nil)
}

func (n *Netlink) SetLinkUp(ctx context.Context, linkIndex int) error {
	return newError("SetLinkUp", "", ErrNotSupported, nil)
}

func (n *Netlink) DeleteBridge(ctx context.Context, name string) error {
	return newError("DeleteBridge", name, ErrNotSupported, nil)
}

func (n *Netlink) Observe(ctx context.Context, name string) (Observation, error) {
	return Observation{}, newError("Observe", name, ErrNotSupported, nil)
}
