package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vmnetd/internal/testutil"
)

func TestServer_ServesUDPAndTCP(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)
	ctx := context.Background()

	readyBridge(t, s, "vmbr0", "10.10.0.1/24", "vm.example.com", "100.100.100.100")
	_, err := s.AttachVM(ctx, "web1", "vmbr0", "10.10.0.42")
	require.NoError(t, err)
	require.NoError(t, r.Rebuild(ctx))

	log, _ := testutil.NewTestLogger()
	srv, err := Listen("127.0.0.1:0", r, log)
	require.NoError(t, err)

	serveCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(serveCtx) }()

	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			c := &dns.Client{Net: network, Timeout: time.Second}
			req := new(dns.Msg)
			req.SetQuestion("web1.vm.example.com.", dns.TypeA)

			var resp *dns.Msg
			require.Eventually(t, func() bool {
				var exErr error
				resp, _, exErr = c.Exchange(req, srv.Addr())
				return exErr == nil
			}, 5*time.Second, 20*time.Millisecond)

			assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
			assert.Equal(t, []string{"10.10.0.42"}, answerAddrs(resp))
		})
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_ShutdownBeforeTraffic(t *testing.T) {
	s := newTestStore(t)
	r := newTestResponder(t, s)

	log, _ := testutil.NewTestLogger()
	srv, err := Listen("127.0.0.1:0", r, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	select {
	case err := <-serveAsync(ctx, srv):
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func serveAsync(ctx context.Context, srv *Server) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()
	return errCh
}
