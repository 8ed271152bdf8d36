package client

// LayerStatus mirrors the control API's per-layer health record.
type LayerStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Err     string `json:"error,omitempty"`
}

// ChainStatus mirrors the control API's chain snapshot.
type ChainStatus struct {
	State     string                 `json:"state"`
	Layers    map[string]LayerStatus `json:"layers"`
	UptimeSec float64                `json:"uptime_sec"`
	BytesUp   int64                  `json:"bytes_up"`
	BytesDown int64                  `json:"bytes_down"`
}

// SessionStatus mirrors the control API's session snapshot.
type SessionStatus struct {
	Session     string      `json:"session"`
	Running     bool        `json:"running"`
	Chain       ChainStatus `json:"chain"`
	EnginePID   int         `json:"engine_pid"`
	TunnelValid bool        `json:"tunnel_valid"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
