package resolver

import (
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
)

// Zone is one authoritative zone of the table
type Zone struct {
	Name     string // canonical, with trailing dot
	Bridges  []string
	Upstream string // upstream of the newest bridge serving the zone
	records  map[string][]netip.Addr
}

// Records returns the addresses of label, and whether the label exists.
func (z *Zone) Records(label string) ([]netip.Addr, bool) {
	addrs, ok := z.records[label]
	return addrs, ok
}

type route struct {
	prefix   netip.Prefix
	upstream string
}

// Table is an immutable projection of Ready bridges and active attachments.
// It is replaced wholesale, never modified.
type Table struct {
	zones    map[string]*Zone
	routes   []route
	fallback string
	serial   uint32
	records  int
	built    time.Time
}

// ZoneInfo is the exported view of one zone
type ZoneInfo struct {
	Name     string              `json:"name"`
	Bridges  []string            `json:"bridges"`
	Upstream string              `json:"upstream"`
	Records  map[string][]string `json:"records"`
}

// Build projects bridges and attachments into a table. Bridges that are
// not Ready or are being deleted contribute nothing.
func Build(bridges []domain.Resource, attachments []domain.Attachment, serial uint32) *Table {
	t := &Table{
		zones:  map[string]*Zone{},
		serial: serial,
		built:  time.Now(),
	}

	var ready []domain.Resource
	for _, b := range bridges {
		if b.Kind != domain.KindBridge || b.Deleting() || b.Status.Phase != domain.PhaseReady {
			continue
		}
		ready = append(ready, b)
	}
	// Oldest first, so later bridges win zone upstreams and the fallback.
	sort.SliceStable(ready, func(i, j int) bool {
		return created(ready[i]).Before(created(ready[j]))
	})

	zoneOf := map[string]*Zone{}
	for _, b := range ready {
		spec := b.Spec.(*domain.BridgeSpec)
		name := dns.CanonicalName(spec.DNSZone)
		upstream := spec.Upstream().String()

		z, ok := t.zones[name]
		if !ok {
			z = &Zone{Name: name, records: map[string][]netip.Addr{}}
			t.zones[name] = z
		}
		z.Bridges = append(z.Bridges, b.Metadata.Name)
		z.Upstream = upstream
		zoneOf[b.Metadata.Name] = z

		t.routes = append(t.routes, route{prefix: spec.Prefix().Masked(), upstream: upstream})
		t.fallback = upstream
	}

	for _, att := range attachments {
		if !att.Active() {
			continue
		}
		z, ok := zoneOf[att.BridgeName]
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(att.Address)
		if err != nil {
			continue
		}
		label := strings.ToLower(att.VMName)
		z.records[label] = append(z.records[label], addr)
		t.records++
	}

	return t
}

func created(r domain.Resource) time.Time {
	if r.Metadata.CreationTimestamp == nil {
		return time.Time{}
	}
	return *r.Metadata.CreationTimestamp
}

// Lookup finds the most specific zone containing qname and the label
// relative to it. The apex yields an empty label.
func (t *Table) Lookup(qname string) (*Zone, string, bool) {
	qname = dns.CanonicalName(qname)

	var best *Zone
	for name, z := range t.zones {
		if !dns.IsSubDomain(name, qname) {
			continue
		}
		if best == nil || len(name) > len(best.Name) {
			best = z
		}
	}
	if best == nil {
		return nil, "", false
	}

	label := strings.TrimSuffix(strings.TrimSuffix(qname, best.Name), ".")
	return best, label, true
}

// Upstream picks the forwarder for a client: the bridge whose prefix
// contains the client, else the newest Ready bridge.
func (t *Table) Upstream(client netip.Addr) (string, bool) {
	if client.IsValid() {
		client = client.Unmap()
		for i := len(t.routes) - 1; i >= 0; i-- {
			if t.routes[i].prefix.Contains(client) {
				return t.routes[i].upstream, true
			}
		}
	}
	return t.fallback, t.fallback != ""
}

// BuiltAt is when the table was projected
func (t *Table) BuiltAt() time.Time {
	return t.built
}

// Serial is the SOA serial of the table
func (t *Table) Serial() uint32 {
	return t.serial
}

// RecordCount is the number of VM addresses in the table
func (t *Table) RecordCount() int {
	return t.records
}

// Zones returns an exported snapshot of every zone sorted by name
func (t *Table) Zones() []ZoneInfo {
	out := make([]ZoneInfo, 0, len(t.zones))
	for _, z := range t.zones {
		info := ZoneInfo{
			Name:     z.Name,
			Bridges:  append([]string(nil), z.Bridges...),
			Upstream: z.Upstream,
			Records:  map[string][]string{},
		}
		for label, addrs := range z.records {
			for _, a := range addrs {
				info.Records[label] = append(info.Records[label], a.String())
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
