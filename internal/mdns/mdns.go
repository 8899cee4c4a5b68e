// Package mdns advertises the broker's MQTT listener over multicast DNS
// so LAN clients can discover it without a configured address.
package mdns

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_mqtt._tcp"
	domain      = "local."
)

// Advertiser owns one active zeroconf registration.
type Advertiser struct {
	logger *slog.Logger
	server *zeroconf.Server
}

// New returns an Advertiser bound to logger; call Start to begin
// advertising and Stop to withdraw the registration.
func New(logger *slog.Logger) *Advertiser {
	return &Advertiser{logger: logger}
}

// Start registers an mDNS service record for the broker's listener on
// port, with the given domain names served as TXT metadata.
func (a *Advertiser) Start(port int, domainNames []string) error {
	if port <= 0 {
		return fmt.Errorf("mdns: invalid port %d", port)
	}
	a.Stop()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "mqttd"
	}
	instance := sanitizeInstance(fmt.Sprintf("MQTT Broker (%s)", hostname))

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", port),
		"tls=0",
		fmt.Sprintf("domains=%s", strings.Join(domainNames, ",")),
	}

	server, err := zeroconf.Register(instance, serviceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns: register: %w", err)
	}
	a.server = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

// Stop withdraws the registration, if any.
func (a *Advertiser) Stop() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.server = nil
}

func sanitizeInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	replacer := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")
	cleaned = replacer.Replace(cleaned)
	if cleaned == "" {
		cleaned = "MQTT Broker"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}
