package discovery

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

const (
	// ServiceTypeAgent is the service type monitoring agents advertise.
	ServiceTypeAgent = "_tkm-monitor._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// TXTKeyName is the optional friendly-name TXT key.
	TXTKeyName = "name"
)

// AgentService describes one discovered monitoring agent.
type AgentService struct {
	// InstanceName is the mDNS instance name.
	InstanceName string

	// Host is the advertised hostname.
	Host string

	// Port is the agent's listening port from the SRV record.
	Port uint16

	// Addresses holds the resolved A/AAAA addresses, aggregated across
	// interfaces.
	Addresses []string

	// Name is the friendly name: the "name" TXT value when present,
	// the instance name otherwise.
	Name string
}

// Address returns the preferred dial address: the first resolved
// address, or the advertised host when resolution produced none.
func (s *AgentService) Address() string {
	if len(s.Addresses) > 0 {
		return s.Addresses[0]
	}
	return strings.TrimSuffix(s.Host, ".")
}

// Config configures browser behavior.
type Config struct {
	// Interface restricts browsing to one network interface. Empty
	// means all interfaces.
	Interface string
}

// Browser browses for monitoring agents over mDNS.
type Browser struct {
	config Config

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewBrowser creates a browser.
func NewBrowser(config Config) *Browser {
	return &Browser{config: config}
}

// Browse searches for agents until the context is cancelled or Stop is
// called. Each distinct instance is emitted once; answers from further
// interfaces only extend its address list. The returned channel closes
// when browsing ends.
func (b *Browser) Browse(ctx context.Context) (<-chan *AgentService, error) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	out := make(chan *AgentService)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	opts := b.browserOptions()

	go func() {
		defer close(out)

		// Track services by instance name, aggregating addresses.
		services := make(map[string]*AgentService)

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := newServiceEntry(entry).ToAgentService()

				existing, found := services[svc.InstanceName]
				if found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				services[svc.InstanceName] = svc
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					removed = nil
					continue
				}
				if existing, found := services[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, newServiceEntry(entry).Addrs)
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceTypeAgent, Domain, entries, removed, opts...)
	}()

	return out, nil
}

// Stop cancels an active Browse.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Browser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		iface, err := net.InterfaceByName(b.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

// ServiceEntry mirrors the fields used from a raw mDNS answer. Browse
// converts zeroconf entries through it; tests construct it directly.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

func newServiceEntry(entry *zeroconf.ServiceEntry) *ServiceEntry {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return &ServiceEntry{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     uint16(entry.Port),
		Text:     entry.Text,
		Addrs:    addrs,
	}
}

// ToAgentService converts a raw answer into an AgentService.
func (e *ServiceEntry) ToAgentService() *AgentService {
	txt := parseTXT(e.Text)

	name := txt[TXTKeyName]
	if name == "" {
		name = e.Instance
	}

	return &AgentService{
		InstanceName: e.Instance,
		Host:         e.Host,
		Port:         e.Port,
		Addresses:    append([]string(nil), e.Addrs...),
		Name:         name,
	}
}

// parseTXT splits "key=value" records; keys without '=' map to "".
// A repeated key keeps the last value.
func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, rec := range records {
		if rec == "" {
			continue
		}
		key, value, found := strings.Cut(rec, "=")
		if !found {
			txt[key] = ""
			continue
		}
		txt[key] = value
	}
	return txt
}

// mergeAddresses adds new addresses to the existing list, skipping
// duplicates.
func mergeAddresses(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range incoming {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses filters the listed addresses out.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, addr := range gone {
		toRemove[addr] = true
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
