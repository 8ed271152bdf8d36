package chain

import "context"

// Layer is one forwarding/obfuscation stage of the chain. Layers are
// opaque to the orchestrator beyond lifecycle and health; their internal
// protocol logic lives elsewhere.
type Layer interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// Canonical layer names, in dependency order.
const (
	LayerIngress = "ingress"
	LayerAccel   = "quic-accel"
	LayerShaper  = "pepper-shaper"
	LayerEngine  = "xray-core"
)
