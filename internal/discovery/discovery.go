// Package discovery advertises a host on the LAN via mDNS and maintains
// a TTL-bounded cache of services seen from other hosts. It is grounded
// on the teacher's cmd/can-server/mdns.go, which wrapped
// github.com/grandcat/zeroconf.Register behind a context-scoped cleanup
// closure; this package additionally browses (the teacher never needed
// to discover peers, only advertise itself) and keeps a deterministic,
// explicitly-expiring cache rather than relying on a generic LRU (§4.7).
package discovery

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/softkvm/softkvm/internal/ids"
	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/metrics"
)

// Role distinguishes which side of a connection a ServiceRecord
// describes, so a peer only ever browses for the other role (§4.7).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// serviceType returns the mDNS service type a given role advertises
// under and is browsed by. The two are distinct so a server never
// discovers another server (§4.7, §6).
func serviceType(role Role) string {
	switch role {
	case RoleServer:
		return "_soft-kvm-server._tcp"
	case RoleClient:
		return "_soft-kvm-client._tcp"
	default:
		return "_soft-kvm-" + string(role) + "._tcp"
	}
}

// peerRole is the role a browser of ownRole looks for on the LAN.
func peerRole(ownRole Role) Role {
	if ownRole == RoleServer {
		return RoleClient
	}
	return RoleServer
}

// Domain is the mDNS domain; LAN-local only (§1 Non-goals).
const Domain = "local."

// DefaultTTL governs how long a browsed ServiceRecord is trusted before
// it's considered stale and evicted (§4.7).
const DefaultTTL = 300 * time.Second

// ReadvertiseInterval is how often an Advertiser re-registers its record
// so a missed mDNS announce doesn't let a browser's TTL lapse (§4.7).
const ReadvertiseInterval = 150 * time.Second

// CapsSummary is the subset of protocol.Capabilities worth publishing in
// a TXT record: enough for a browser to filter candidates before ever
// opening a connection (§4.7's "caps summary").
type CapsSummary struct {
	SupportsVideo bool
	SupportsInput bool
	MaxClients    uint32
}

func (c CapsSummary) encode() string {
	return fmt.Sprintf("video=%s,input=%s,maxclients=%d", boolStr(c.SupportsVideo), boolStr(c.SupportsInput), c.MaxClients)
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeCapsSummary(s string) CapsSummary {
	var c CapsSummary
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "video":
			c.SupportsVideo = v == "1"
		case "input":
			c.SupportsInput = v == "1"
		case "maxclients":
			n, _ := strconv.Atoi(v)
			c.MaxClients = uint32(n)
		}
	}
	return c
}

// ServiceRecord describes one advertised soft-kvm host, as reconstructed
// from an mDNS TXT record round trip (§4.7, §6).
type ServiceRecord struct {
	ServiceID    ids.ServiceId
	InstanceName string
	Name         string
	Role         Role
	Host         string
	Port         int
	Address      string
	Version      string
	Fingerprint  string
	Capabilities CapsSummary
	SeenAt       time.Time
}

func (r ServiceRecord) expired(ttl time.Time) bool { return r.SeenAt.Before(ttl) }

// Advertiser registers this host's presence on the LAN and keeps
// re-registering it every ReadvertiseInterval until Close.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server

	role         Role
	instanceName string
	port         int
	txt          []string

	stop chan struct{}
	once sync.Once
}

// Advertise registers instanceName under role's service type at port,
// publishing id/name/version/address/caps in the TXT record (§4.7, §6),
// and starts the ReadvertiseInterval refresh loop. The returned
// Advertiser must be closed on shutdown.
func Advertise(role Role, instanceName string, port int, serviceID ids.ServiceId, name, version, fingerprint string, caps CapsSummary) (*Advertiser, error) {
	if instanceName == "" {
		host, _ := os.Hostname()
		instanceName = fmt.Sprintf("softkvm-%s", host)
	}
	if name == "" {
		name = instanceName
	}
	host, _ := os.Hostname()
	address := fmt.Sprintf("%s:%d", host, port)
	txt := []string{
		"id=" + string(serviceID),
		"name=" + name,
		"version=" + version,
		"address=" + address,
		"caps=" + caps.encode(),
		"fingerprint=" + fingerprint,
	}

	a := &Advertiser{
		role:         role,
		instanceName: instanceName,
		port:         port,
		txt:          txt,
		stop:         make(chan struct{}),
	}
	if err := a.register(); err != nil {
		metrics.IncDiscoveryAdvertiseFailure()
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	logging.L().Info("discovery_advertise", "instance", instanceName, "role", role, "port", port)
	go a.readvertiseLoop()
	return a, nil
}

func (a *Advertiser) register() error {
	srv, err := zeroconf.Register(a.instanceName, serviceType(a.role), Domain, a.port, a.txt, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()
	return nil
}

// readvertiseLoop re-registers the record every ReadvertiseInterval so a
// browser's cache entry is refreshed well inside its TTL (§4.7).
func (a *Advertiser) readvertiseLoop() {
	ticker := time.NewTicker(ReadvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			if a.server != nil {
				a.server.Shutdown()
			}
			a.mu.Unlock()
			if err := a.register(); err != nil {
				logging.L().Warn("discovery_readvertise_failed", "instance", a.instanceName, "error", err)
			}
		case <-a.stop:
			return
		}
	}
}

// Close withdraws the advertisement and stops the refresh loop.
func (a *Advertiser) Close() {
	a.once.Do(func() { close(a.stop) })
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
	}
}

// Cache holds the set of non-expired services discovered via Browse,
// keyed by ServiceID. Entries older than ttl are pruned lazily on read
// and periodically by a background sweep, matching the map+RWMutex idiom
// the teacher used for its client set (internal/hub/hub.go).
type Cache struct {
	mu      sync.RWMutex
	entries map[ids.ServiceId]ServiceRecord
	ttl     time.Duration

	stop chan struct{}
	once sync.Once
}

// NewCache creates an empty Cache with the given entry TTL (DefaultTTL if
// ttl <= 0) and starts its background eviction sweep.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[ids.ServiceId]ServiceRecord),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *Cache) put(r ServiceRecord) {
	c.mu.Lock()
	c.entries[r.ServiceID] = r
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetServicesCached(n)
}

// Get returns the current non-expired services, matching
// get_available_services() (§4.7, §8 property 6).
func (c *Cache) Get() []ServiceRecord {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServiceRecord, 0, len(c.entries))
	for _, r := range c.entries {
		if !r.expired(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func (c *Cache) sweep() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	for id, r := range c.entries {
		if r.expired(cutoff) {
			delete(c.entries, id)
		}
	}
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetServicesCached(n)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the background sweep.
func (c *Cache) Close() { c.once.Do(func() { close(c.stop) }) }

// Browse resolves the peer role's service type on the LAN until ctx is
// cancelled, populating cache as records arrive. ownRole is the role
// this process advertises under; Browse looks for the other one, since
// a soft-kvm host never needs to discover its own kind (§4.7).
func Browse(ctx context.Context, cache *Cache, ownRole Role) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: new resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	role := peerRole(ownRole)
	go func() {
		for entry := range entries {
			cache.put(recordFromEntry(entry, role))
		}
	}()
	if err := resolver.Browse(ctx, serviceType(role), Domain, entries); err != nil {
		return fmt.Errorf("discovery: browse: %w", err)
	}
	<-ctx.Done()
	return nil
}

func recordFromEntry(entry *zeroconf.ServiceEntry, role Role) ServiceRecord {
	r := ServiceRecord{
		InstanceName: entry.Instance,
		Role:         role,
		Port:         entry.Port,
		SeenAt:       time.Now(),
	}
	if len(entry.AddrIPv4) > 0 {
		r.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		r.Host = entry.AddrIPv6[0].String()
	}
	for _, kv := range entry.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "id":
			r.ServiceID = ids.ServiceId(v)
		case "name":
			r.Name = v
		case "version":
			r.Version = v
		case "address":
			r.Address = v
		case "caps":
			r.Capabilities = decodeCapsSummary(v)
		case "fingerprint":
			r.Fingerprint = v
		}
	}
	if r.ServiceID == "" {
		// Fall back to instance+port so a malformed TXT record still
		// yields a stable cache key instead of colliding under "".
		r.ServiceID = ids.ServiceId(entry.Instance + ":" + strconv.Itoa(entry.Port))
	}
	if r.Name == "" {
		r.Name = entry.Instance
	}
	return r
}
