package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server serves one handler over UDP and TCP on the same address.
type Server struct {
	udp *dns.Server
	tcp *dns.Server
	log *logrus.Entry
}

// Listen binds UDP and TCP sockets on addr. With port 0 the TCP socket
// reuses the port picked for UDP.
func Listen(addr string, handler dns.Handler, log *logrus.Entry) (*Server, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}

	l, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
	}

	return &Server{
		udp: &dns.Server{PacketConn: pc, Handler: handler},
		tcp: &dns.Server{Listener: l, Handler: handler},
		log: log.WithField("component", "dns-server"),
	}, nil
}

// Addr is the bound address, shared by both transports
func (s *Server) Addr() string {
	return s.udp.PacketConn.LocalAddr().String()
}

// Serve runs both servers until ctx is cancelled or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	servers := []*dns.Server{s.udp, s.tcp}
	started := make([]chan struct{}, len(servers))
	exited := make([]chan struct{}, len(servers))
	for i, srv := range servers {
		started[i] = make(chan struct{})
		exited[i] = make(chan struct{})
		srv.NotifyStartedFunc = sync.OnceFunc(func() { close(started[i]) })

		g.Go(func() error {
			defer close(exited[i])
			if err := srv.ActivateAndServe(); err != nil {
				return fmt.Errorf("dns server stopped: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var result *multierror.Error
		for i, srv := range servers {
			select {
			case <-started[i]:
			case <-exited[i]:
				continue
			}
			if err := srv.ShutdownContext(shutdownCtx); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	})

	s.log.WithField("addr", s.Addr()).Info("dns server listening")
	return g.Wait()
}
