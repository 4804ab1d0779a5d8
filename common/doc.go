// Package common provides shared constants, types, utilities, and interfaces
// used throughout the proxy tunnel.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: device addresses, helper ports, daemon endpoints and timeouts
//   - Errors: sentinel errors and the ErrorCode taxonomy shared with the relay
//   - Interfaces: TunnelStatus, credential storage and logging
//   - Logger: leveled logging with optional rotating file output
//
// # Usage
//
//	import "github.com/yllada/proxy-tunnel/common"
//
//	common.LogInfo("Starting tunnel to %s", host)
//
//	if errors.Is(err, common.ErrServerUnreachable) {
//	    // try the next server
//	}
//
//	code := common.ToErrorCode(err) // crosses the UI boundary as a number
package common
