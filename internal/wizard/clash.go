package wizard

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ClashConfig is the subset of a Clash/mihomo configuration document this
// generator produces: a single HTTP proxy pointed at the local front-end,
// with direct-routing rules for the Yandex infrastructure the covert
// channel itself depends on so the tunnel can never route its own
// transport traffic through itself.
type ClashConfig struct {
	Port                int                    `yaml:"port"`
	SocksPort           int                    `yaml:"socks-port"`
	MixedPort           int                    `yaml:"mixed-port"`
	AllowLAN            bool                   `yaml:"allow-lan"`
	Mode                string                 `yaml:"mode"`
	LogLevel            string                 `yaml:"log-level"`
	IPv6                bool                   `yaml:"ipv6"`
	ExternalController  string                 `yaml:"external-controller"`
	DNS                 clashDNS               `yaml:"dns"`
	TUN                 clashTUN               `yaml:"tun"`
	Proxies             []clashProxy           `yaml:"proxies"`
	ProxyGroups         []clashProxyGroup      `yaml:"proxy-groups"`
	Rules               []string               `yaml:"rules"`
}

type clashDNS struct {
	Enable       bool     `yaml:"enable"`
	Listen       string   `yaml:"listen"`
	EnhancedMode string   `yaml:"enhanced-mode"`
	Nameserver   []string `yaml:"nameserver"`
}

type clashTUN struct {
	Enable              bool     `yaml:"enable"`
	Stack               string   `yaml:"stack"`
	AutoRoute           bool     `yaml:"auto-route"`
	AutoDetectInterface bool     `yaml:"auto-detect-interface"`
	DNSHijack           []string `yaml:"dns-hijack"`
}

type clashProxy struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
}

type clashProxyGroup struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Proxies []string `yaml:"proxies"`
}

// directRuleDomains are always pinned DIRECT ahead of the catch-all rule.
// They include the Yandex-side hosts the tunnel's own covert channel
// depends on, since routing those through the tunnel itself would
// deadlock the connection that carries the tunnel, and also the whole
// .ru zone plus vk.com and dzen.ru.
var directRuleDomains = []string{
	"ru",
	"yandex.ru",
	"vk.com",
	"dzen.ru",
	"yandex.net",
	"storage.yandexcloud.net",
	"cloud-api.yandex.net",
}

const proxyName = "Tuman-VPN"

// BuildClashConfig constructs the config pointed at an HTTP proxy
// listening on 127.0.0.1:proxyPort.
func BuildClashConfig(proxyPort int) *ClashConfig {
	rules := make([]string, 0, len(directRuleDomains)+1)
	for _, domain := range directRuleDomains {
		rules = append(rules, fmt.Sprintf("DOMAIN-SUFFIX,%s,DIRECT", domain))
	}
	rules = append(rules, fmt.Sprintf("MATCH,%s", proxyName))

	return &ClashConfig{
		Port:               7890,
		SocksPort:          7891,
		MixedPort:          7893,
		AllowLAN:           false,
		Mode:               "rule",
		LogLevel:           "info",
		IPv6:               false,
		ExternalController: "127.0.0.1:9090",
		DNS: clashDNS{
			Enable:       true,
			Listen:       "0.0.0.0:1053",
			EnhancedMode: "fake-ip",
			Nameserver:   []string{"8.8.8.8", "1.1.1.1"},
		},
		TUN: clashTUN{
			Enable:              true,
			Stack:               "system",
			AutoRoute:           true,
			AutoDetectInterface: true,
			DNSHijack:           []string{"any:53"},
		},
		Proxies: []clashProxy{
			{Name: proxyName, Type: "http", Server: "127.0.0.1", Port: proxyPort},
		},
		ProxyGroups: []clashProxyGroup{
			{Name: "Proxy", Type: "select", Proxies: []string{proxyName, "DIRECT"}},
		},
		Rules: rules,
	}
}

// WriteClashConfig renders BuildClashConfig(proxyPort) as YAML to path.
func WriteClashConfig(path string, proxyPort int) error {
	cfg := BuildClashConfig(proxyPort)
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("wizard: encode clash config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("wizard: create clash config directory: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}
