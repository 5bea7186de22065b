package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_roadwatch._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the hub's ingress port so agents on the LAN can find
// it without configuration.
func (h *Hub) startMDNS(httpPort int) error {
	if httpPort <= 0 {
		return fmt.Errorf("invalid port %d", httpPort)
	}

	h.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "roadwatch"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Roadwatch Hub (%s)", hostname))
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, httpPort, h.mdnsTXT(httpPort, hostname), nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	h.mu.Lock()
	h.mdns = server
	h.mu.Unlock()
	h.logger.Info("mDNS advertisement started", "instance", instance, "port", httpPort)
	return nil
}

func (h *Hub) mdnsTXT(httpPort int, hostname string) []string {
	host := sanitizeMDNSHost(hostname)
	if !strings.Contains(host, ".") {
		host += ".local"
	}

	mqttPort := h.cfg.MQTTBrokerPort
	if addr := h.BrokerAddr(); addr != nil {
		mqttPort = portOf(addr)
	}

	return []string{
		fmt.Sprintf("http_port=%d", httpPort),
		"ingest_path=/processed_agent_data/",
		fmt.Sprintf("mqtt_topic=%s", h.cfg.MQTTTopic),
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		fmt.Sprintf("mqtt_embedded=%t", h.cfg.MQTTEmbeddedBind != ""),
		"proto=v1",
		fmt.Sprintf("host=%s", host),
	}
}

func (h *Hub) stopMDNS() {
	h.mu.Lock()
	server := h.mdns
	h.mdns = nil
	h.mu.Unlock()
	if server == nil {
		return
	}
	server.Shutdown()
	h.logger.Info("mDNS advertisement stopped")
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "Roadwatch Hub"
	}
	// Instance names are limited to 63 octets.
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "roadwatch"
	}
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
