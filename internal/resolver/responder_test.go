package resolver

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/store"
	"github.com/jbweber/homelab/vmnetd/internal/testutil"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)

	log, _ := testutil.NewTestLogger()
	s := store.New(db, log)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readyBridge(t *testing.T, s *store.Store, name, address, zone, upstream string) {
	t.Helper()
	ctx := context.Background()

	res := domain.Resource{
		APIVersion: domain.APIVersion,
		Kind:       domain.KindBridge,
		Metadata:   domain.Metadata{Name: name},
		Spec:       &domain.BridgeSpec{Address: address, DNSZone: zone, DNSServer: upstream},
	}
	stored, _, err := s.Put(ctx, res)
	require.NoError(t, err)

	idx := 4
	require.NoError(t, s.UpdateStatus(ctx, domain.KindBridge, name, domain.Status{
		ObservedGeneration: stored.Metadata.Generation,
		Phase:              domain.PhaseReady,
		LinkIndex:          &idx,
	}))
}

func newTestResponder(t *testing.T, s *store.Store) *Responder {
	t.Helper()
	log, _ := testutil.NewTestLogger()
	return NewResponder(s, log, Options{TTL: 30, UpstreamTimeout: 500 * time.Millisecond})
}

// fakeUpstream answers every A query with 192.0.2.1 and records the
// transport it was asked over.
func fakeUpstream(t *testing.T) (addr string, nets chan string) {
	t.Helper()
	nets = make(chan string, 16)

	handler := func(network string) dns.HandlerFunc {
		return func(w dns.ResponseWriter, req *dns.Msg) {
			nets <- network
			m := new(dns.Msg)
			m.SetReply(req)
			m.RecursionAvailable = true
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.ParseIP("192.0.2.1"),
			})
			_ = w.WriteMsg(m)
		}
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	l, err := net.Listen("tcp", pc.LocalAddr().String())
	require.NoError(t, err)

	for _, srv := range []*dns.Server{
		{PacketConn: pc, Handler: handler("udp")},
		{Listener: l, Handler: handler("tcp")},
	} {
		started := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(started) }
		go func() { _ = srv.ActivateAndServe() }()
		<-started
		t.Cleanup(func() { _ = srv.Shutdown() })
	}

	return pc.LocalAddr().String(), nets
}

func answerAddrs(m *dns.Msg) []string {
	var out []string
	for _, rr := range m.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		}
	}
	return out
}

func TestResponder_AttachDetach(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)
	ctx := context.Background()

	readyBridge(t, s, "vmbr0", "10.10.0.1/24", "vm.example.com", "100.100.100.100")
	_, err := s.AttachVM(ctx, "web1", "vmbr0", "10.10.0.42")
	require.NoError(t, err)
	require.NoError(t, r.Rebuild(ctx))

	resp := r.Resolve(ctx, "web1.vm.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	assert.Equal(t, []string{"10.10.0.42"}, answerAddrs(resp))
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, uint32(30), resp.Answer[0].Header().Ttl)

	require.NoError(t, s.DetachVM(ctx, "web1", "vmbr0"))
	require.NoError(t, r.Rebuild(ctx))

	resp = r.Resolve(ctx, "web1.vm.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Len(t, resp.Ns, 1)
	assert.IsType(t, &dns.SOA{}, resp.Ns[0])
}

func TestResponder_RebuildsOnStoreEvents(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)
	s.Watch(r.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	readyBridge(t, s, "vmbr0", "10.10.0.1/24", "vm.example.com", "100.100.100.100")
	_, err := s.AttachVM(context.Background(), "web1", "vmbr0", "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		resp := r.Resolve(context.Background(), "web1.vm.example.com", dns.TypeA)
		return resp.Rcode == dns.RcodeSuccess && len(resp.Answer) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.DetachVM(context.Background(), "web1", "vmbr0"))

	assert.Eventually(t, func() bool {
		return r.Resolve(context.Background(), "web1.vm.example.com", dns.TypeA).Rcode == dns.RcodeNameError
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResponder_NoData(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)
	ctx := context.Background()

	readyBridge(t, s, "vmbr0", "10.10.0.1/24", "vm.example.com", "100.100.100.100")
	_, err := s.AttachVM(ctx, "web1", "vmbr0", "10.10.0.42")
	require.NoError(t, err)
	require.NoError(t, r.Rebuild(ctx))

	resp := r.Resolve(ctx, "web1.vm.example.com", dns.TypeAAAA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
	require.Len(t, resp.Ns, 1)
	assert.IsType(t, &dns.SOA{}, resp.Ns[0])
}

func TestResponder_Apex(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)
	ctx := context.Background()

	readyBridge(t, s, "vmbr0", "10.10.0.1/24", "vm.example.com", "100.100.100.100")
	require.NoError(t, r.Rebuild(ctx))

	resp := r.Resolve(ctx, "vm.example.com", dns.TypeSOA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	soa, ok := resp.Answer[0].(*dns.SOA)
	require.True(t, ok)
	assert.Equal(t, "vm.example.com.", soa.Hdr.Name)
	assert.Equal(t, r.Table().Serial(), soa.Serial)

	resp = r.Resolve(ctx, "vm.example.com", dns.TypeNS)
	require.Len(t, resp.Answer, 1)
	assert.IsType(t, &dns.NS{}, resp.Answer[0])

	resp = r.Resolve(ctx, "vm.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Empty(t, resp.Answer)
	require.Len(t, resp.Ns, 1)
}

func TestResponder_MultiLabelIsNXDomain(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)
	ctx := context.Background()

	readyBridge(t, s, "vmbr0", "10.10.0.1/24", "vm.example.com", "100.100.100.100")
	_, err := s.AttachVM(ctx, "web1", "vmbr0", "10.10.0.42")
	require.NoError(t, err)
	require.NoError(t, r.Rebuild(ctx))

	resp := r.Resolve(ctx, "www.web1.vm.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestResponder_Forwards(t *testing.T) {
	upstream, nets := fakeUpstream(t)

	s := newTestStore(t)
	r := newTestResponder(t, s)
	ctx := context.Background()

	readyBridge(t, s, "vmbr0", "10.10.0.1/24", "vm.example.com", upstream)
	require.NoError(t, r.Rebuild(ctx))

	req := new(dns.Msg)
	req.SetQuestion("www.example.org.", dns.TypeA)
	req.Id = 4242

	resp := r.answer(ctx, req, netip.MustParseAddr("10.10.0.42"), false)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Equal(t, uint16(4242), resp.Id)
	assert.Equal(t, []string{"192.0.2.1"}, answerAddrs(resp))
	assert.Equal(t, "udp", <-nets)

	resp = r.answer(ctx, req, netip.MustParseAddr("10.10.0.42"), true)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Equal(t, "tcp", <-nets)
}

func TestResponder_ServFail(t *testing.T) {
	t.Run("no bridges", func(t *testing.T) {
		s := newTestStore(t)
		r := newTestResponder(t, s)
		require.NoError(t, r.Rebuild(context.Background()))

		resp := r.Resolve(context.Background(), "www.example.org", dns.TypeA)
		assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	})

	t.Run("upstream unreachable", func(t *testing.T) {
		// Bind and release a port so nothing answers on it.
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		dead := pc.LocalAddr().String()
		require.NoError(t, pc.Close())

		s := newTestStore(t)
		r := newTestResponder(t, s)
		readyBridge(t, s, "vmbr0", "10.10.0.1/24", "vm.example.com", dead)
		require.NoError(t, r.Rebuild(context.Background()))

		resp := r.Resolve(context.Background(), "www.example.org", dns.TypeA)
		assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	})
}

func TestResponder_NotReadyBridgeIsNotAuthoritative(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)
	ctx := context.Background()

	_, _, err := s.Put(ctx, domain.Resource{
		APIVersion: domain.APIVersion,
		Kind:       domain.KindBridge,
		Metadata:   domain.Metadata{Name: "vmbr0"},
		Spec:       &domain.BridgeSpec{Address: "10.10.0.1/24", DNSZone: "vm.example.com", DNSServer: "100.100.100.100"},
	})
	require.NoError(t, err)
	require.NoError(t, r.Rebuild(ctx))

	assert.Empty(t, r.Table().Zones())
	resp := r.Resolve(ctx, "web1.vm.example.com", dns.TypeA)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestResponder_FormErr(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)

	req := new(dns.Msg)
	req.Id = 7
	resp := r.answer(context.Background(), req, netip.Addr{}, false)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
}
