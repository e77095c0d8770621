// Package discovery advertises the bridge monitor and finds a telemetry
// backend on the local network over mDNS.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	MonitorService = "_obdrelay._tcp"
	BackendService = "_obdrelay-backend._tcp"

	DefaultTimeout = 5 * time.Second
)

// Service is a discovered mDNS service instance.
type Service struct {
	Name       string
	Address    string
	Port       int
	TXTRecords []string
}

// TXT returns the value of a key=value TXT record.
func (s *Service) TXT(key string) (string, bool) {
	for _, rec := range s.TXTRecords {
		k, v, ok := strings.Cut(rec, "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

// BaseURL builds the HTTP base URL of the service. A "scheme" TXT record
// selects https; a "path" record is appended.
func (s *Service) BaseURL() string {
	scheme := "http"
	if v, ok := s.TXT("scheme"); ok && v != "" {
		scheme = v
	}
	u := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(s.Address, strconv.Itoa(s.Port)))
	if p, ok := s.TXT("path"); ok {
		u += "/" + strings.Trim(p, "/")
	}
	return strings.TrimRight(u, "/")
}

func fromEntry(entry *mdns.ServiceEntry) (*Service, error) {
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, fmt.Errorf("no valid address found for service %s", entry.Name)
	}
	return &Service{
		Name:       entry.Name,
		Address:    address,
		Port:       entry.Port,
		TXTRecords: entry.InfoFields,
	}, nil
}

// Lookup returns the first instance of serviceType that answers within
// timeout.
func Lookup(serviceType string, timeout time.Duration) (*Service, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	go func() {
		defer close(entriesCh)
		params := mdns.DefaultParams(serviceType)
		params.Entries = entriesCh
		params.Timeout = timeout
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			slog.Debug("mDNS query failed", "service", serviceType, "error", err)
		}
	}()

	deadline := time.After(timeout)
	for {
		select {
		case entry, ok := <-entriesCh:
			if !ok {
				return nil, fmt.Errorf("no %s service found", serviceType)
			}
			service, err := fromEntry(entry)
			if err != nil {
				slog.Debug("Skipping mDNS entry", "error", err)
				continue
			}
			slog.Info("Discovered service",
				"service_name", service.Name,
				"address", service.Address,
				"port", service.Port,
			)
			return service, nil
		case <-deadline:
			return nil, fmt.Errorf("mDNS discovery timeout for %s", serviceType)
		}
	}
}

// DiscoverBackend finds a telemetry backend advertising BackendService.
func DiscoverBackend(timeout time.Duration) (*Service, error) {
	return Lookup(BackendService, timeout)
}

// Advertiser answers mDNS queries for one service until Shutdown.
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes instance under serviceType on port.
func Advertise(instance, serviceType string, port int, txt []string) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}
	if !strings.HasSuffix(host, ".") {
		host += "."
	}

	service, err := mdns.NewMDNSService(instance, serviceType, "", host, port, nil, txt)
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}

	slog.Info("Advertising service", "instance", instance, "service", serviceType, "port", port)
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// PortOf extracts the port from a listen address such as ":8090".
func PortOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
