package common

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode_Values(t *testing.T) {
	// The numeric values double as relay exit codes and must not drift.
	tests := []struct {
		code ErrorCode
		want int
	}{
		{NoError, 0},
		{Unexpected, 1},
		{VPNPermissionNotGranted, 2},
		{InvalidServerCredentials, 3},
		{UDPRelayNotEnabled, 4},
		{ServerUnreachable, 5},
		{VPNStartFailure, 6},
		{IllegalServerConfiguration, 7},
		{ShadowsocksStartFailure, 8},
		{ConfigureSystemProxyFailure, 9},
		{NoAdminPermissions, 10},
		{UnsupportedRoutingTable, 11},
		{SystemMisconfigured, 12},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if int(tt.code) != tt.want {
				t.Errorf("%s = %d, want %d", tt.code, int(tt.code), tt.want)
			}
		})
	}
}

func TestErrorCode_IsRedFlag(t *testing.T) {
	redFlags := map[ErrorCode]bool{
		ShadowsocksStartFailure:     true,
		ConfigureSystemProxyFailure: true,
		UnsupportedRoutingTable:     true,
		VPNStartFailure:             true,
	}

	for code := NoError; code <= SystemMisconfigured; code++ {
		if got := code.IsRedFlag(); got != redFlags[code] {
			t.Errorf("%s.IsRedFlag() = %v, want %v", code, got, redFlags[code])
		}
	}
}

func TestErrorCode_String(t *testing.T) {
	if got := UDPRelayNotEnabled.String(); got != "UDP_RELAY_NOT_ENABLED" {
		t.Errorf("String() = %q", got)
	}
	if got := ErrorCode(42).String(); got != "ErrorCode(42)" {
		t.Errorf("String() for unknown code = %q", got)
	}
}

func TestFromErrorCode(t *testing.T) {
	if _, err := FromErrorCode(NoError); err == nil {
		t.Error("FromErrorCode(NoError) should fail")
	}
	if _, err := FromErrorCode(ErrorCode(99)); err == nil {
		t.Error("FromErrorCode(99) should fail")
	}

	for code := Unexpected; code <= SystemMisconfigured; code++ {
		native, err := FromErrorCode(code)
		if err != nil {
			t.Fatalf("FromErrorCode(%s) error = %v", code, err)
		}
		if got := ToErrorCode(native); got != code {
			t.Errorf("ToErrorCode(FromErrorCode(%s)) = %s", code, got)
		}
	}
}

func TestToErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, NoError},
		{"plain error", errors.New("boom"), Unexpected},
		{"native", NewNativeError(ServerUnreachable, "down"), ServerUnreachable},
		{"wrapped native", fmt.Errorf("connect: %w", NewNativeError(NoAdminPermissions, "")), NoAdminPermissions},
		{"WrapError native", WrapError(ErrUnsupportedRoutingTable, "routing"), UnsupportedRoutingTable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToErrorCode(tt.err); got != tt.want {
				t.Errorf("ToErrorCode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNativeError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("probe: %w", WrapNative(InvalidServerCredentials, "bad reply", errors.New("EOF")))

	if !errors.Is(err, ErrInvalidServerCredentials) {
		t.Error("errors.Is should match the sentinel with the same code")
	}
	if errors.Is(err, ErrServerUnreachable) {
		t.Error("errors.Is should not match a different code")
	}
	if got := err.Error(); got != "probe: bad reply: EOF" {
		t.Errorf("Error() = %q", got)
	}
}

func TestNativeError_EmptyMessageUsesCodeName(t *testing.T) {
	if got := ErrNoAdminPermissions.Error(); got != "NO_ADMIN_PERMISSIONS" {
		t.Errorf("Error() = %q", got)
	}
	if !NewNativeError(VPNStartFailure, "").IsRedFlag() {
		t.Error("VPN start failure should be a red flag")
	}
}
