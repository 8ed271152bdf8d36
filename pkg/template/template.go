// Package template generates starter session configurations for common
// deployment profiles. The output is a complete pepperlink.toml the user
// edits down, not a config the daemon consumes directly.
package template

import (
	"fmt"
	"strings"
)

// Profile selects a configuration preset.
type Profile string

const (
	// ProfileFull routes everything through the tunnel except private
	// ranges, the typical mobile deployment.
	ProfileFull Profile = "full"
	// ProfileSplit tunnels only the listed applications.
	ProfileSplit Profile = "split"
	// ProfileDev uses short timings and verbose logging for workstation
	// development against a fake engine.
	ProfileDev Profile = "dev"
	// ProfileMinimal is the smallest config that validates.
	ProfileMinimal Profile = "minimal"
)

// Generator renders session configuration presets.
type Generator struct{}

// NewGenerator creates a template generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// SupportedProfiles returns all profile names.
func (g *Generator) SupportedProfiles() []string {
	return []string{
		string(ProfileFull),
		string(ProfileSplit),
		string(ProfileDev),
		string(ProfileMinimal),
	}
}

// Generate renders the TOML configuration for profile with the given
// session name.
func (g *Generator) Generate(profile Profile, name string) (string, error) {
	if name == "" {
		name = "main"
	}
	switch profile {
	case ProfileFull:
		return g.render(name, fullProfile), nil
	case ProfileSplit:
		return g.render(name, splitProfile), nil
	case ProfileDev:
		return g.render(name, devProfile), nil
	case ProfileMinimal:
		return g.render(name, minimalProfile), nil
	default:
		return "", fmt.Errorf("unknown profile: %s (supported: %s)",
			profile, strings.Join(g.SupportedProfiles(), ", "))
	}
}

func (g *Generator) render(name, body string) string {
	return strings.ReplaceAll(body, "{{name}}", name)
}

const fullProfile = `[session]
name = "{{name}}"

[engine]
path = "/opt/pepperlink/bin/xray-core"
config_path = "/opt/pepperlink/etc/engine.json"
workdir = "/opt/pepperlink/run"

[tunnel]
mtu = 1420
addresses = ["10.66.0.2/32"]
routes = ["0.0.0.0/0"]
exclude_private = true
dns = ["1.1.1.1"]

[chain]
critical_layers = ["ingress", "xray-core"]

[log]
level = "info"

[log.engine]
dir = "/opt/pepperlink/log"

[server]
listen = "127.0.0.1:7890"
base_path = "/v1"
`

const splitProfile = `[session]
name = "{{name}}"

[engine]
path = "/opt/pepperlink/bin/xray-core"
config_path = "/opt/pepperlink/etc/engine.json"
workdir = "/opt/pepperlink/run"

[tunnel]
mtu = 1420
addresses = ["10.66.0.2/32"]
routes = ["0.0.0.0/0"]
exclude_private = true
allowed_apps = ["org.example.browser"]

[chain]
critical_layers = ["ingress", "xray-core"]

[log]
level = "info"

[server]
listen = "127.0.0.1:7890"
base_path = "/v1"
`

const devProfile = `[session]
name = "{{name}}"

[engine]
path = "/tmp/pepperlink-dev/engine.sh"
config_path = "/tmp/pepperlink-dev/engine.json"
workdir = "/tmp/pepperlink-dev"
graceful_wait = "1s"
startup_grace = "500ms"

[tunnel]
mtu = 1400
addresses = ["10.66.0.2/32"]
routes = ["1.1.1.1/32"]

[chain]
readiness_interval = "100ms"
readiness_ceiling = "5s"

[health]
tunnel_interval = "5s"
port_interval = "3s"

[log]
level = "debug"
color = true

[server]
listen = "127.0.0.1:7890"
base_path = "/v1"
metrics_listen = "127.0.0.1:7891"
`

const minimalProfile = `[session]
name = "{{name}}"

[engine]
path = "/opt/pepperlink/bin/xray-core"
config_path = "/opt/pepperlink/etc/engine.json"

[tunnel]
addresses = ["10.66.0.2/32"]
`
