//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Netlink drives the host kernel through rtnetlink.
type Netlink struct {
	h   *netlink.Handle
	log *logrus.Entry
}

var _ Adapter = (*Netlink)(nil)

// NewNetlink opens a netlink handle in the current network namespace
func NewNetlink(log *logrus.Entry) (*Netlink, error) {
	h, err := netlink.NewHandle(unix.NETLINK_ROUTE)
	if err != nil {
		return nil, newError("open", "netlink", classify(err), err)
	}
	return &Netlink{h: h, log: log.WithField("component", "netlink")}, nil
}

// Close releases the netlink socket
func (n *Netlink) Close() {
	n.h.Close()
}

func (n *Netlink) EnsureBridge(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	link, err := n.h.LinkByName(name)
	if err != nil && !isLinkNotFound(err) {
		return 0, newError("EnsureBridge", name, classify(err), err)
	}

	if link == nil {
		attrs := netlink.NewLinkAttrs()
		attrs.Name = name
		if err := n.h.LinkAdd(&netlink.Bridge{LinkAttrs: attrs}); err != nil && !errors.Is(err, unix.EEXIST) {
			return 0, newError("EnsureBridge", name, classify(err), err)
		}
		n.log.WithField("bridge", name).Info("created bridge")

		if link, err = n.h.LinkByName(name); err != nil {
			return 0, newError("EnsureBridge", name, classify(err), err)
		}
	}

	if link.Type() != KindBridge {
		return 0, newError("EnsureBridge", name, ErrWrongLinkType, fmt.Errorf("found %s", link.Type()))
	}
	return link.Attrs().Index, nil
}

func (n *Netlink) EnsureAddress(ctx context.Context, linkIndex int, prefix netip.Prefix) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	link, err := n.linkByIndex("EnsureAddress", linkIndex)
	if err != nil {
		return err
	}
	name := link.Attrs().Name

	family := netlink.FAMILY_V4
	if prefix.Addr().Is6() {
		family = netlink.FAMILY_V6
	}
	addrs, err := n.h.AddrList(link, family)
	if err != nil {
		return newError("EnsureAddress", name, classify(err), err)
	}

	for _, a := range addrs {
		p, ok := toPrefix(a)
		if !ok || a.Scope != unix.RT_SCOPE_UNIVERSE {
			continue
		}
		if p == prefix {
			return nil
		}
		if a.Flags&unix.IFA_F_SECONDARY == 0 {
			return newError("EnsureAddress", name, ErrAddressConflict, fmt.Errorf("has %s, want %s", p, prefix))
		}
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
	}}
	if err := n.h.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
		return newError("EnsureAddress", name, classify(err), err)
	}
	n.log.WithFields(logrus.Fields{"bridge": name, "address": prefix.String()}).Info("assigned address")
	return nil
}

func (n *Netlink) SetLinkUp(ctx context.Context, linkIndex int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	link, err := n.linkByIndex("SetLinkUp", linkIndex)
	if err != nil {
		return err
	}
	if link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := n.h.LinkSetUp(link); err != nil {
		return newError("SetLinkUp", link.Attrs().Name, classify(err), err)
	}
	n.log.WithField("bridge", link.Attrs().Name).Info("set link up")
	return nil
}

func (n *Netlink) DeleteBridge(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	link, err := n.h.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return newError("DeleteBridge", name, classify(err), err)
	}
	if link.Type() != KindBridge {
		return newError("DeleteBridge", name, ErrWrongLinkType, fmt.Errorf("found %s", link.Type()))
	}

	links, err := n.h.LinkList()
	if err != nil {
		return newError("DeleteBridge", name, classify(err), err)
	}
	var ports []string
	for _, l := range links {
		if l.Attrs().MasterIndex == link.Attrs().Index {
			ports = append(ports, l.Attrs().Name)
		}
	}
	if len(ports) > 0 {
		return newError("DeleteBridge", name, ErrInUse, fmt.Errorf("ports %v", ports))
	}

	if err := n.h.LinkDel(link); err != nil && !isLinkNotFound(err) {
		return newError("DeleteBridge", name, classify(err), err)
	}
	n.log.WithField("bridge", name).Info("deleted bridge")
	return nil
}

func (n *Netlink) Observe(ctx context.Context, name string) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}

	link, err := n.h.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return Observation{}, nil
		}
		return Observation{}, newError("Observe", name, classify(err), err)
	}

	obs := Observation{
		Exists:    true,
		LinkIndex: link.Attrs().Index,
		Kind:      link.Type(),
		Up:        link.Attrs().Flags&net.FlagUp != 0,
	}

	addrs, err := n.h.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return Observation{}, newError("Observe", name, classify(err), err)
	}
	for _, a := range addrs {
		if p, ok := toPrefix(a); ok && a.Scope == unix.RT_SCOPE_UNIVERSE {
			obs.Addresses = append(obs.Addresses, p)
		}
	}
	return obs, nil
}

func (n *Netlink) linkByIndex(op string, index int) (netlink.Link, error) {
	link, err := n.h.LinkByIndex(index)
	if err != nil {
		if isLinkNotFound(err) {
			return nil, newError(op, fmt.Sprintf("index %d", index), ErrLinkNotFound, err)
		}
		return nil, newError(op, fmt.Sprintf("index %d", index), classify(err), err)
	}
	return link, nil
}

func toPrefix(a netlink.Addr) (netip.Prefix, bool) {
	if a.IPNet == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := a.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), true
}

func isLinkNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError
	return errors.Is(err, unix.ENODEV) || errors.As(err, &notFound)
}

// classify maps kernel errnos to the adapter's sentinel errors.
func classify(err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return ErrPermissionDenied
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.EAFNOSUPPORT), errors.Is(err, unix.EPROTONOSUPPORT):
		return ErrNotSupported
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return ErrBusy
	case errors.Is(err, unix.EADDRINUSE):
		return ErrAddressConflict
	}
	return nil
}
