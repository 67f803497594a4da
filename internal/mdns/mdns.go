package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the service the agent announces its local API under
const ServiceType = "_ota-agent._tcp"

// ErrNotFound is returned when no instance of a service answered in time
var ErrNotFound = errors.New("no service instance found")

// Service represents an mDNS service announcer
type Service struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// NewService creates a new mDNS service announcer
func NewService(logger *slog.Logger) *Service {
	return &Service{
		logger: logger,
	}
}

// Register announces the agent's local API via mDNS
func (s *Service) Register(ctx context.Context, port int, target, version string) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	ifaces, err := s.interfaces()
	if err != nil {
		return err
	}
	if len(ifaces) == 0 {
		return fmt.Errorf("no suitable network interfaces found")
	}

	server, err := zeroconf.Register(
		hostname,
		ServiceType,
		"local.",
		port,
		[]string{
			"version=" + version,
			"target=" + target,
			"api=rest",
		},
		ifaces,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.server = server

	ifaceNames := make([]string, len(ifaces))
	for i, iface := range ifaces {
		ifaceNames[i] = iface.Name
	}
	s.logger.Info("registered mDNS service",
		"hostname", hostname,
		"service", ServiceType,
		"port", port,
		"interfaces", ifaceNames,
	)
	return nil
}

// interfaces picks the interfaces to announce on. OTA_AGENT_INTERFACE and
// OTA_AGENT_IP override the automatic choice.
func (s *Service) interfaces() ([]net.Interface, error) {
	if ifaceName := os.Getenv("OTA_AGENT_INTERFACE"); ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("failed to get interface %s: %w", ifaceName, err)
		}
		s.logger.Info("using manual interface", "interface", ifaceName)
		return []net.Interface{*iface}, nil
	}

	allIfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	if manualIP := os.Getenv("OTA_AGENT_IP"); manualIP != "" {
		targetIP := net.ParseIP(manualIP)
		if targetIP == nil {
			return nil, fmt.Errorf("invalid IP address: %s", manualIP)
		}
		for _, iface := range allIfaces {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(targetIP) {
					s.logger.Info("using interface for IP", "ip", manualIP, "interface", iface.Name)
					return []net.Interface{iface}, nil
				}
			}
		}
		return nil, fmt.Errorf("no interface found with IP %s", manualIP)
	}

	var ifaces []net.Interface
	for _, iface := range allIfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipv4 := ipnet.IP.To4(); ipv4 != nil && !isContainerBridge(ipv4) {
					ifaces = append(ifaces, iface)
					break
				}
			}
		}
	}
	return ifaces, nil
}

// isContainerBridge checks if an IP is in the range container runtimes
// allocate bridge networks from
func isContainerBridge(ip net.IP) bool {
	_, network, _ := net.ParseCIDR("172.16.0.0/12")
	return network.Contains(ip)
}

// Shutdown stops the mDNS service announcement
func (s *Service) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("mDNS service shutdown")
	}
}

// Discover browses for instances of service on the local network
func Discover(ctx context.Context, service string, timeout time.Duration) ([]*zeroconf.ServiceEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	var results []*zeroconf.ServiceEntry

	go func() {
		defer close(done)
		for entry := range entries {
			results = append(results, entry)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	<-ctx.Done()
	<-done
	return results, nil
}

// ResolveHost finds the update server announcing service and returns its
// host name without the .local domain
func ResolveHost(ctx context.Context, service string, timeout time.Duration) (string, error) {
	entries, err := Discover(ctx, service, timeout)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if host := HostName(entry); host != "" {
			return host, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, service)
}

// HostName returns the bare host name of a discovered entry
func HostName(entry *zeroconf.ServiceEntry) string {
	host := strings.TrimSuffix(entry.HostName, ".")
	return strings.TrimSuffix(host, ".local")
}
