package models

// SidecarStatus reports whether the sidecar program resolves to an
// executable.
type SidecarStatus struct {
	Name  string   `json:"name"`
	Found bool     `json:"found"`
	Path  string   `json:"path,omitempty"`
	Tried []string `json:"tried,omitempty"`
}

type HealthResponse struct {
	Status   string        `json:"status"`
	Sidecar  SidecarStatus `json:"sidecar"`
	Sessions int           `json:"sessions"`
}

type StartRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type StartResponse struct {
	SessionID string `json:"session_id"`
}

type InputRequest struct {
	Data string `json:"data"`
}

type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
