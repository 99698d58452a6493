package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tunerbridge/tunerbridge/internal/hdhomerun"
	"github.com/tunerbridge/tunerbridge/internal/httpclient"
	"github.com/tunerbridge/tunerbridge/internal/safeurl"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// CloudDeviceLister fetches the vendor cloud's list of known devices for
// the account, returning local-network addresses to probe. Implemented by
// internal/guide's cloud client; declared here to avoid an import cycle.
type CloudDeviceLister interface {
	ListDevices(ctx context.Context) ([]string, error)
}

// Config controls one discovery pass.
type Config struct {
	CloudLister      CloudDeviceLister // optional
	SubnetScan       bool              // spec §4.4 HTTP fallback #2
	SubnetConcurrency int              // bounded parallelism for the scan
}

// Registry holds the authoritative appliance set, updated atomically at
// the end of each pass (spec §5: "Discovery is atomic at the
// appliance-set level").
type Registry struct {
	mu        sync.Mutex
	appliances map[string]*Appliance // keyed by device_id, falling back to addr
	scanning   bool
}

func NewRegistry() *Registry {
	return &Registry{appliances: make(map[string]*Appliance)}
}

// Snapshot returns a copy of the current appliance set.
func (r *Registry) Snapshot() []*Appliance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Appliance, 0, len(r.appliances))
	for _, a := range r.appliances {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// Get returns one appliance by device id.
func (r *Registry) Get(deviceID string) (*Appliance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appliances[deviceID]
	return a, ok
}

// Run executes one discovery pass: UDP broadcast, then HTTP fallbacks,
// merges and dedups, then atomically swaps the registry's contents.
// Concurrent passes are rejected with Busy (spec §5, §7).
func (r *Registry) Run(ctx context.Context, cfg Config) error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return tunererr.New(tunererr.Busy, "discovery.Run", fmt.Errorf("a discovery pass is already running"))
	}
	r.scanning = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
	}()

	found := make(map[string]*Appliance)

	udpReplies, err := hdhomerun.Broadcast(ctx, hdhomerun.DeviceTypeWildcard, hdhomerun.DeviceIDWildcard)
	if err != nil {
		log.Printf("[discover] udp broadcast failed: %v", err)
	}
	for _, rep := range udpReplies {
		ip := rep.Addr.IP.String()
		a, err := FetchDiscoverJSON(ctx, fmt.Sprintf("http://%s", ip))
		if err != nil {
			log.Printf("[discover] udp reply from %s but discover.json failed: %v", ip, err)
			continue
		}
		a.Source = "udp"
		mergeInto(found, a)
	}

	if cfg.CloudLister != nil {
		addrs, err := cfg.CloudLister.ListDevices(ctx)
		if err != nil {
			log.Printf("[discover] cloud device list failed: %v", err)
		}
		for _, addr := range addrs {
			a, err := FetchDiscoverJSON(ctx, fmt.Sprintf("http://%s", addr))
			if err != nil {
				log.Printf("[discover] cloud-listed %s unreachable: %v", addr, err)
				continue
			}
			a.Source = "cloud"
			mergeInto(found, a)
		}
	}

	if cfg.SubnetScan {
		subnetResults, err := ScanLocalSubnets(ctx, cfg.SubnetConcurrency)
		if err != nil {
			log.Printf("[discover] subnet scan failed: %v", err)
		}
		for _, a := range subnetResults {
			a.Source = "subnet"
			mergeInto(found, a)
		}
	}

	r.mu.Lock()
	for id, prev := range r.appliances {
		if _, ok := found[id]; !ok {
			prev.Online = false
		}
	}
	for id, a := range found {
		if prev, ok := r.appliances[id]; ok && prev.DeviceID == id {
			// UDP-sourced entries override HTTP-only ones for address
			// fields, per spec §4.4 dedup policy.
			if a.Source != "udp" && prev.Source == "udp" {
				a.Addr = prev.Addr
				a.BaseURL = prev.BaseURL
			}
		}
		r.appliances[id] = a
	}
	r.mu.Unlock()
	return nil
}

func mergeInto(found map[string]*Appliance, a *Appliance) {
	key := a.DeviceID
	if key == "" {
		key = a.Addr
	}
	if existing, ok := found[key]; ok && existing.Source == "udp" && a.Source != "udp" {
		return // udp already established this one in this pass
	}
	found[key] = a
}

// FetchDiscoverJSON GETs {baseURL}/discover.json and parses it into an
// Appliance, per spec §4.4.
func FetchDiscoverJSON(ctx context.Context, baseURL string) (*Appliance, error) {
	if !safeurl.IsHTTPOrHTTPS(baseURL) {
		return nil, tunererr.New(tunererr.InvalidArgument, "discovery.FetchDiscoverJSON", fmt.Errorf("unsafe scheme: %s", baseURL))
	}
	client := httpclient.ForAppliance()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/discover.json", nil)
	if err != nil {
		return nil, err
	}
	release := httpclient.GlobalHostSem.Acquire(baseURL)
	defer release()
	resp, err := client.Do(req)
	if err != nil {
		return nil, tunererr.New(tunererr.UpstreamUnreachable, "discovery.FetchDiscoverJSON", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, tunererr.New(tunererr.UpstreamUnavailable, "discovery.FetchDiscoverJSON", fmt.Errorf("status %d", resp.StatusCode))
	}
	var dj discoverJSON
	if err := json.NewDecoder(resp.Body).Decode(&dj); err != nil {
		return nil, tunererr.New(tunererr.InvalidArgument, "discovery.FetchDiscoverJSON", err)
	}
	addr := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		addr = u.Host
	}
	return dj.toAppliance(addr, ""), nil
}

// ScanLocalSubnets probes interface-adjacent /24 subnets at bounded
// parallelism, GETting discover.json on each host, per spec §4.4 HTTP
// fallback #2. Every host that answers with a parseable discover.json is
// returned whatever its ModelNumber, and Run merges these results without
// filtering them by model either.
func ScanLocalSubnets(ctx context.Context, concurrency int) ([]*Appliance, error) {
	if concurrency <= 0 {
		concurrency = 16
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var hosts []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			hosts = append(hosts, subnet24Hosts(ipNet)...)
		}
	}

	limiter := rate.NewLimiter(rate.Limit(concurrency), concurrency)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []*Appliance

	for _, host := range hosts {
		host := host
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			a, err := FetchDiscoverJSON(ctx, "http://"+host)
			if err != nil {
				return
			}
			mu.Lock()
			results = append(results, a)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, nil
}

func subnet24Hosts(ipNet *net.IPNet) []string {
	ip4 := ipNet.IP.To4()
	base := []byte{ip4[0], ip4[1], ip4[2], 0}
	hosts := make([]string, 0, 254)
	for i := 1; i <= 254; i++ {
		host := net.IPv4(base[0], base[1], base[2], byte(i))
		hosts = append(hosts, host.String())
	}
	return hosts
}
