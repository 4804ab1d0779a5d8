package common

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of failure codes exposed across the tunnel API.
// The packet relay uses the same values as its process exit codes.
type ErrorCode int

const (
	NoError ErrorCode = iota
	Unexpected
	VPNPermissionNotGranted
	InvalidServerCredentials
	UDPRelayNotEnabled
	ServerUnreachable
	VPNStartFailure
	IllegalServerConfiguration
	ShadowsocksStartFailure
	ConfigureSystemProxyFailure
	NoAdminPermissions
	UnsupportedRoutingTable
	SystemMisconfigured
)

var errorCodeNames = map[ErrorCode]string{
	NoError:                     "NO_ERROR",
	Unexpected:                  "UNEXPECTED",
	VPNPermissionNotGranted:     "VPN_PERMISSION_NOT_GRANTED",
	InvalidServerCredentials:    "INVALID_SERVER_CREDENTIALS",
	UDPRelayNotEnabled:          "UDP_RELAY_NOT_ENABLED",
	ServerUnreachable:           "SERVER_UNREACHABLE",
	VPNStartFailure:             "VPN_START_FAILURE",
	IllegalServerConfiguration:  "ILLEGAL_SERVER_CONFIGURATION",
	ShadowsocksStartFailure:     "SHADOWSOCKS_START_FAILURE",
	ConfigureSystemProxyFailure: "CONFIGURE_SYSTEM_PROXY_FAILURE",
	NoAdminPermissions:          "NO_ADMIN_PERMISSIONS",
	UnsupportedRoutingTable:     "UNSUPPORTED_ROUTING_TABLE",
	SystemMisconfigured:         "SYSTEM_MISCONFIGURED",
}

// String returns the wire name of the code.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Valid reports whether c is one of the defined codes.
func (c ErrorCode) Valid() bool {
	_, ok := errorCodeNames[c]
	return ok
}

// IsRedFlag reports whether failures with this code are unexpected and
// should be flagged for reporting.
func (c ErrorCode) IsRedFlag() bool {
	switch c {
	case ShadowsocksStartFailure, ConfigureSystemProxyFailure, UnsupportedRoutingTable, VPNStartFailure:
		return true
	default:
		return false
	}
}

// NativeError is a tunnel failure carrying an ErrorCode.
type NativeError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

// NewNativeError creates a NativeError with a message.
func NewNativeError(code ErrorCode, msg string) *NativeError {
	return &NativeError{Code: code, Msg: msg}
}

// WrapNative attaches an ErrorCode to an underlying error.
func WrapNative(code ErrorCode, msg string, err error) *NativeError {
	return &NativeError{Code: code, Msg: msg, Err: err}
}

func (e *NativeError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *NativeError) Unwrap() error {
	return e.Err
}

// Is matches any NativeError with the same code, so callers can compare
// against the exported sentinels regardless of message.
func (e *NativeError) Is(target error) bool {
	t, ok := target.(*NativeError)
	return ok && t.Code == e.Code
}

// IsRedFlag reports whether the error should be flagged for reporting.
func (e *NativeError) IsRedFlag() bool {
	return e.Code.IsRedFlag()
}

// Sentinels for errors.Is comparisons, one per code.
var (
	ErrUnexpected                  = &NativeError{Code: Unexpected}
	ErrVPNPermissionNotGranted     = &NativeError{Code: VPNPermissionNotGranted}
	ErrInvalidServerCredentials    = &NativeError{Code: InvalidServerCredentials}
	ErrRemoteUDPForwardingDisabled = &NativeError{Code: UDPRelayNotEnabled}
	ErrServerUnreachable           = &NativeError{Code: ServerUnreachable}
	ErrVPNStartFailure             = &NativeError{Code: VPNStartFailure}
	ErrIllegalServerConfiguration  = &NativeError{Code: IllegalServerConfiguration}
	ErrShadowsocksStartFailure     = &NativeError{Code: ShadowsocksStartFailure}
	ErrConfigureSystemProxyFailure = &NativeError{Code: ConfigureSystemProxyFailure}
	ErrNoAdminPermissions          = &NativeError{Code: NoAdminPermissions}
	ErrUnsupportedRoutingTable     = &NativeError{Code: UnsupportedRoutingTable}
	ErrSystemMisconfigured         = &NativeError{Code: SystemMisconfigured}
)

// FromErrorCode converts a code received across a process boundary into an
// error. NoError and unknown codes are rejected.
func FromErrorCode(code ErrorCode) (*NativeError, error) {
	if code == NoError {
		return nil, errors.New("no error for NO_ERROR code")
	}
	if !code.Valid() {
		return nil, fmt.Errorf("unknown error code %d", int(code))
	}
	return &NativeError{Code: code}, nil
}

// ToErrorCode maps an error to its code. Errors without a code are
// Unexpected.
func ToErrorCode(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var native *NativeError
	if errors.As(err, &native) {
		return native.Code
	}
	return Unexpected
}
