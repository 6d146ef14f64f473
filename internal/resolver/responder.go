// Package resolver answers DNS for VMs attached to Ready bridges and
// forwards every other query to the bridge's upstream resolver.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/logging"
	"github.com/jbweber/homelab/vmnetd/internal/metrics"
	"github.com/jbweber/homelab/vmnetd/internal/store"
)

// MaxTTL caps the TTL of authoritative answers so detaches propagate quickly.
const MaxTTL = 60

// Query outcomes recorded in metrics
const (
	OutcomeAnswer    = "answer"
	OutcomeNoData    = "nodata"
	OutcomeNXDomain  = "nxdomain"
	OutcomeForwarded = "forwarded"
	OutcomeServFail  = "servfail"
	OutcomeFormErr   = "formerr"
)

// Source lists what the zone table is projected from
type Source interface {
	List(ctx context.Context, kind string) ([]domain.Resource, error)
	ListAttachments(ctx context.Context, bridgeName string, activeOnly bool) ([]domain.Attachment, error)
}

// Options tune the responder
type Options struct {
	TTL             uint32
	UpstreamTimeout time.Duration
	RebuildInterval time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		TTL:             30,
		UpstreamTimeout: 2 * time.Second,
		RebuildInterval: 30 * time.Second,
	}
}

// Responder serves queries from an atomically swapped zone table.
type Responder struct {
	source  Source
	opts    Options
	log     *logrus.Entry
	table   atomic.Pointer[Table]
	serial  atomic.Uint32
	trigger chan struct{}
	udp     *dns.Client
	tcp     *dns.Client
}

var _ dns.Handler = (*Responder)(nil)

// NewResponder returns a responder with an empty table. Call Rebuild or Run
// to populate it.
func NewResponder(source Source, log *logrus.Entry, opts Options) *Responder {
	if opts.TTL == 0 || opts.TTL > MaxTTL {
		opts.TTL = DefaultOptions().TTL
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultOptions().UpstreamTimeout
	}

	r := &Responder{
		source:  source,
		opts:    opts,
		log:     log.WithField("component", "dns"),
		trigger: make(chan struct{}, 1),
		udp:     &dns.Client{Net: "udp", Timeout: opts.UpstreamTimeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: opts.UpstreamTimeout},
	}
	r.table.Store(Build(nil, nil, 0))
	return r
}

// Table returns the current snapshot
func (r *Responder) Table() *Table {
	return r.table.Load()
}

// HandleEvent schedules a rebuild for any store change.
func (r *Responder) HandleEvent(store.Event) {
	r.Trigger()
}

// Trigger schedules a rebuild. Triggers that arrive while one is pending
// are coalesced.
func (r *Responder) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Rebuild projects the store into a fresh table and swaps it in.
func (r *Responder) Rebuild(ctx context.Context) error {
	bridges, err := r.source.List(ctx, domain.KindBridge)
	if err != nil {
		return err
	}
	attachments, err := r.source.ListAttachments(ctx, "", true)
	if err != nil {
		return err
	}

	t := Build(bridges, attachments, r.serial.Add(1))
	r.table.Store(t)
	metrics.ZoneRecords.Set(float64(t.RecordCount()))
	r.log.WithFields(logrus.Fields{"zones": len(t.zones), "records": t.RecordCount(), "serial": t.Serial()}).Debug("zone table rebuilt")
	return nil
}

// Run rebuilds on every trigger and on a timer until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	defer logging.Recover(r.log)

	interval := r.opts.RebuildInterval
	if interval <= 0 {
		interval = DefaultOptions().RebuildInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rebuild := func() {
		if err := r.Rebuild(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Error("zone table rebuild failed")
		}
	}

	rebuild()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
			rebuild()
		case <-ticker.C:
			rebuild()
		}
	}
}

// Resolve answers a single question as if asked by an unknown client.
func (r *Responder) Resolve(ctx context.Context, name string, qtype uint16) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	return r.answer(ctx, req, netip.Addr{}, false)
}

// ServeDNS implements dns.Handler
func (r *Responder) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	var (
		client netip.Addr
		tcp    bool
	)
	switch addr := w.RemoteAddr().(type) {
	case *net.UDPAddr:
		client = addrFromIP(addr.IP)
	case *net.TCPAddr:
		client = addrFromIP(addr.IP)
		tcp = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.UpstreamTimeout+time.Second)
	defer cancel()

	resp := r.answer(ctx, req, client, tcp)
	if err := w.WriteMsg(resp); err != nil {
		r.log.WithError(err).WithField("client", client.String()).Debug("failed to write response")
	}
}

func addrFromIP(ip net.IP) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func (r *Responder) answer(ctx context.Context, req *dns.Msg, client netip.Addr, tcp bool) *dns.Msg {
	if req.Opcode != dns.OpcodeQuery || len(req.Question) != 1 {
		metrics.RecordDNSQuery(OutcomeFormErr)
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeFormatError)
		return m
	}

	t := r.table.Load()
	q := req.Question[0]
	if zone, label, ok := t.Lookup(q.Name); ok && q.Qclass == dns.ClassINET {
		return r.authoritative(req, t, zone, label)
	}
	return r.forward(ctx, req, t, client, tcp)
}

func (r *Responder) authoritative(req *dns.Msg, t *Table, zone *Zone, label string) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true

	q := req.Question[0]
	if label == "" {
		switch q.Qtype {
		case dns.TypeSOA:
			m.Answer = append(m.Answer, r.soa(t, zone))
		case dns.TypeNS:
			m.Answer = append(m.Answer, r.ns(zone))
		default:
			m.Ns = append(m.Ns, r.soa(t, zone))
		}
		if len(m.Answer) > 0 {
			metrics.RecordDNSQuery(OutcomeAnswer)
		} else {
			metrics.RecordDNSQuery(OutcomeNoData)
		}
		return m
	}

	addrs, exists := zone.Records(label)
	if !exists {
		m.Rcode = dns.RcodeNameError
		m.Ns = append(m.Ns, r.soa(t, zone))
		metrics.RecordDNSQuery(OutcomeNXDomain)
		return m
	}

	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: r.opts.TTL}
	for _, addr := range addrs {
		switch {
		case addr.Is4() && (q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY):
			h := hdr
			h.Rrtype = dns.TypeA
			m.Answer = append(m.Answer, &dns.A{Hdr: h, A: addr.AsSlice()})
		case addr.Is6() && (q.Qtype == dns.TypeAAAA || q.Qtype == dns.TypeANY):
			h := hdr
			h.Rrtype = dns.TypeAAAA
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: h, AAAA: addr.AsSlice()})
		}
	}

	if len(m.Answer) == 0 {
		m.Ns = append(m.Ns, r.soa(t, zone))
		metrics.RecordDNSQuery(OutcomeNoData)
		return m
	}
	metrics.RecordDNSQuery(OutcomeAnswer)
	return m
}

func (r *Responder) soa(t *Table, zone *Zone) dns.RR {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: zone.Name, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: r.opts.TTL},
		Ns:      "ns." + zone.Name,
		Mbox:    "hostmaster." + zone.Name,
		Serial:  t.Serial(),
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  r.opts.TTL,
	}
}

func (r *Responder) ns(zone *Zone) dns.RR {
	return &dns.NS{
		Hdr: dns.RR_Header{Name: zone.Name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: r.opts.TTL},
		Ns:  "ns." + zone.Name,
	}
}

func (r *Responder) forward(ctx context.Context, req *dns.Msg, t *Table, client netip.Addr, tcp bool) *dns.Msg {
	upstream, ok := t.Upstream(client)
	if !ok {
		metrics.RecordDNSQuery(OutcomeServFail)
		return servfail(req)
	}

	c := r.udp
	if tcp {
		c = r.tcp
	}

	out := req.Copy()
	out.Id = dns.Id()
	resp, _, err := c.ExchangeContext(ctx, out, upstream)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"upstream": upstream, "name": req.Question[0].Name}).Debug("upstream failed")
		metrics.RecordDNSQuery(OutcomeServFail)
		return servfail(req)
	}

	resp.Id = req.Id
	metrics.RecordDNSQuery(OutcomeForwarded)
	return resp
}

func servfail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)
	return m
}
