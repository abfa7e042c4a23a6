package plug

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	requestTimeout  = 5 * time.Second
	probeTimeout    = 500 * time.Millisecond
	maxProbeWorkers = 32
)

// ShellyClient drives Gen1-style Shelly relays over their local HTTP API.
type ShellyClient struct {
	subnet string
	http   *http.Client

	// test seam so unit tests can point an "ip" at a local test server
	urlFor func(ip string) string
}

func NewShellyClient(subnet string) *ShellyClient {
	return &ShellyClient{
		subnet: subnet,
		http:   &http.Client{Timeout: requestTimeout},
		urlFor: func(ip string) string { return "http://" + ip },
	}
}

type relayStatus struct {
	IsOn bool `json:"ison"`
}

type shellyIdentity struct {
	MAC  string `json:"mac"`
	Type string `json:"type"`
}

func (c *ShellyClient) SetState(ctx context.Context, ip string, on bool) error {
	turn := "off"
	if on {
		turn = "on"
	}

	url := fmt.Sprintf("%s/relay/0?turn=%s", c.urlFor(ip), turn)
	var status relayStatus
	if err := c.getJSON(ctx, url, &status); err != nil {
		return err
	}

	// The turn response reports the state before some firmware applies it,
	// so confirm with a dedicated read.
	actual, err := c.GetState(ctx, ip)
	if err != nil {
		return err
	}
	if actual != on {
		return fmt.Errorf("plug: %s reported %v after switching to %v", ip, actual, on)
	}
	return nil
}

func (c *ShellyClient) GetState(ctx context.Context, ip string) (bool, error) {
	var status relayStatus
	if err := c.getJSON(ctx, c.urlFor(ip)+"/relay/0", &status); err != nil {
		return false, err
	}
	return status.IsOn, nil
}

// Discover sweeps the configured subnet with short-lived identify probes.
func (c *ShellyClient) Discover(ctx context.Context) ([]DeviceInfo, error) {
	if c.subnet == "" {
		return nil, nil
	}

	ips, err := hostsInSubnet(c.subnet)
	if err != nil {
		return nil, fmt.Errorf("plug: bad subnet %q: %w", c.subnet, err)
	}

	probeClient := &http.Client{Timeout: probeTimeout}

	var (
		mu    sync.Mutex
		found []DeviceInfo
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, maxProbeWorkers)

	for _, ip := range ips {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.urlFor(ip)+"/shelly", nil)
			if err != nil {
				return
			}
			resp, err := probeClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return
			}

			var id shellyIdentity
			if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
				return
			}

			mu.Lock()
			found = append(found, DeviceInfo{IP: ip, MAC: id.MAC, Model: id.Type})
			mu.Unlock()
		}(ip)
	}
	wg.Wait()

	log.Info().Int("count", len(found)).Str("subnet", c.subnet).Msg("Plug discovery sweep finished")
	return found, ctx.Err()
}

func (c *ShellyClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("plug: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plug: unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("plug: decode response from %s: %w", url, err)
	}
	return nil
}

// hostsInSubnet expands a CIDR into its usable host addresses.
func hostsInSubnet(cidr string) ([]string, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for ip := ip.Mask(ipNet.Mask); ipNet.Contains(ip); incIP(ip) {
		hosts = append(hosts, ip.String())
	}
	if len(hosts) > 2 {
		// drop network and broadcast addresses
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
