package chain

// State is the aggregate chain lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Degraded
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// LayerStatus is the per-layer health record.
type LayerStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Err     string `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of the chain.
// Invariant: State is Running or Degraded only while every critical
// layer's Running is true.
type Status struct {
	State     State                  `json:"-"`
	StateName string                 `json:"state"`
	Layers    map[string]LayerStatus `json:"layers"`
	UptimeSec float64                `json:"uptime_sec"`
	BytesUp   int64                  `json:"bytes_up"`
	BytesDown int64                  `json:"bytes_down"`
}
