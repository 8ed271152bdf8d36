package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// inboundDoc mirrors the subset of the engine configuration document the
// supervisor needs: the inbound listener list, from which the internal
// control port used for health probing is derived.
type inboundDoc struct {
	Inbounds []struct {
		Tag    string `json:"tag"`
		Listen string `json:"listen"`
		Port   int    `json:"port"`
	} `json:"inbounds"`
}

var errNoInbound = errors.New("engine: configuration document declares no usable inbound")

// ControlPort parses the primary inbound listening port out of the active
// configuration document. Loopback-bound inbounds are preferred since the
// control plane probes locally.
func ControlPort(doc []byte) (int, error) {
	var d inboundDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return 0, fmt.Errorf("engine: parse configuration document: %w", err)
	}
	fallback := 0
	for _, in := range d.Inbounds {
		if in.Port <= 0 || in.Port > 65535 {
			continue
		}
		if in.Listen == "" || isLoopbackHost(in.Listen) {
			return in.Port, nil
		}
		if fallback == 0 {
			fallback = in.Port
		}
	}
	if fallback > 0 {
		return fallback, nil
	}
	return 0, errNoInbound
}

func isLoopbackHost(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}
