package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"agentchat/internal/logging"
)

const proxyModeEnv = "AGENTCHAT_PROXY_MODE"

type proxyMode uint8

const (
	proxyModeAuto proxyMode = iota
	proxyModeStrict
	proxyModeDirect
)

// proxyFunc honours HTTP(S)_PROXY/NO_PROXY, except that loopback targets
// (a local agent backend or the dev server) always go direct in auto mode.
func proxyFunc(logger logging.Logger) func(*http.Request) (*url.URL, error) {
	log := logging.OrNop(logger)

	return func(req *http.Request) (*url.URL, error) {
		switch proxyModeFromEnv() {
		case proxyModeDirect:
			return nil, nil
		case proxyModeStrict:
			return http.ProxyFromEnvironment(req)
		default:
		}

		if req == nil || req.URL == nil {
			return http.ProxyFromEnvironment(req)
		}
		if isLoopbackHost(req.URL.Hostname()) {
			return nil, nil
		}

		proxyURL, err := http.ProxyFromEnvironment(req)
		if err != nil {
			log.Warn("Ignoring invalid proxy configuration: %v", err)
			return nil, nil
		}
		return proxyURL, nil
	}
}

func proxyModeFromEnv() proxyMode {
	value, _ := os.LookupEnv(proxyModeEnv)
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return proxyModeStrict
	case "direct", "none", "off":
		return proxyModeDirect
	default:
		return proxyModeAuto
	}
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}
