package pty

// SessionManager is the four-operation facade the host application drives.
// Both the in-process Manager and the shepherd Client implement it.
type SessionManager interface {
	// Start launches the sidecar on a new PTY. Zero cols or rows mean 80x24.
	Start(cols, rows uint16) (string, error)
	Write(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	// Terminate never fails; unknown ids are a no-op.
	Terminate(id string)
}

// Sink receives asynchronous session notifications. An Emit error means the
// sink is gone and stops the session's reader.
type Sink interface {
	Emit(event string, payload any) error
}

// Resolver maps a logical program name to an executable path.
type Resolver interface {
	Resolve(program string) (string, error)
}
