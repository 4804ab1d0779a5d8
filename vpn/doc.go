// Package vpn runs full-system VPN tunnels over a Shadowsocks-style proxy.
//
// A Tunnel ties together three supervised parts:
//
//   - ProxyClient: the local proxy process talking to the server
//   - Relay: the process moving packets between the TUN device and the proxy
//   - RoutingDaemon: the privileged daemon that points the routing table at
//     the TUN device
//
// The tunnel is connected once all three have started and is done once all
// three have exited; the unexpected exit of any one stops the others. The
// relay implementation is chosen with a Backend (tun2socks or badvpn).
//
// # Sessions
//
// A Session keeps a VPN up over a list of candidate servers held in a
// ConfigQueue. Connect tries the servers in priority order, skipping those
// that are unreachable or reject the credentials. When a tunnel drops
// without Disconnect being called, the session reconnects according to its
// ReconnectPolicy.
//
// # Access keys
//
// ParseAccessKey reads ss:// access keys in both the SIP002 and the legacy
// base64 form.
//
// # Thread Safety
//
// Tunnel, Session and ConfigQueue are safe for concurrent use. Listeners
// are invoked without internal locks held.
package vpn
