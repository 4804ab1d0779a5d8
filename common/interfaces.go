package common

// TunnelStatus is the connection status reported by the routing daemon.
// The numeric values are part of the daemon wire protocol.
type TunnelStatus int

const (
	StatusConnected TunnelStatus = iota
	StatusDisconnected
	StatusReconnecting
)

// String returns a human-readable status string.
func (s TunnelStatus) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusReconnecting:
		return "Reconnecting..."
	default:
		return "Unknown"
	}
}

// CredentialStore keeps named access keys. The keyring package is the
// production implementation.
type CredentialStore interface {
	Store(name, accessKey string) error
	// Get returns an error matching ErrCredentialsNotFound for unknown names.
	Get(name string) (string, error)
	// Delete succeeds for unknown names.
	Delete(name string) error
}

// Logger is the printf-style sink components log through. AppLogger and
// the views returned by NewComponentLogger implement it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
