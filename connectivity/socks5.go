package connectivity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// SOCKS5 protocol constants (RFC 1928).
const (
	socksVersion      = 0x05
	socksMethodNoAuth = 0x00
	socksNoAcceptable = 0xFF
	socksCmdAssociate = 0x03
	socksAtypIPv4     = 0x01
	socksAtypDomain   = 0x03
	socksAtypIPv6     = 0x04
)

// socksGreeting negotiates the "no auth" method. The local proxy client
// never requires authentication.
func socksGreeting(conn net.Conn) error {
	if _, err := conn.Write([]byte{socksVersion, 1, socksMethodNoAuth}); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}
	if sel[0] != socksVersion {
		return fmt.Errorf("unexpected version in method selection: 0x%02x", sel[0])
	}
	switch sel[1] {
	case socksMethodNoAuth:
		return nil
	case socksNoAcceptable:
		return errors.New("proxy rejected offered methods")
	default:
		return fmt.Errorf("unsupported method selected by proxy: 0x%02x", sel[1])
	}
}

// socksUDPAssociate requests a UDP relay and returns its address.
func socksUDPAssociate(conn net.Conn) (*net.UDPAddr, error) {
	req := []byte{socksVersion, socksCmdAssociate, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("write UDP ASSOCIATE: %w", err)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("read UDP ASSOCIATE reply: %w", err)
	}
	if hdr[0] != socksVersion {
		return nil, fmt.Errorf("unexpected UDP ASSOCIATE reply version: 0x%02x", hdr[0])
	}
	if hdr[1] != 0x00 {
		return nil, associateRefused(hdr[1])
	}
	host, port, err := readSocksAddr(conn, hdr[3])
	if err != nil {
		return nil, fmt.Errorf("read UDP ASSOCIATE bind addr: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
		if err != nil {
			return nil, err
		}
		return addr, nil
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// readSocksAddr reads BND.ADDR and BND.PORT for the given ATYP.
func readSocksAddr(r io.Reader, atyp byte) (string, int, error) {
	var host string
	switch atyp {
	case socksAtypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return "", 0, err
		}
		host = net.IP(ip[:]).String()
	case socksAtypIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return "", 0, err
		}
		host = net.IP(ip[:]).String()
	case socksAtypDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return "", 0, err
		}
		if l[0] == 0 {
			return "", 0, errors.New("invalid domain length in reply")
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return "", 0, err
		}
		host = string(name)
	default:
		return "", 0, fmt.Errorf("unknown reply ATYP: 0x%02x", atyp)
	}
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", 0, err
	}
	return host, int(binary.BigEndian.Uint16(port[:])), nil
}

// udpHeader builds the SOCKS5 UDP request header (RSV, FRAG, ATYP, DST).
func udpHeader(dst *net.UDPAddr) []byte {
	hdr := []byte{0x00, 0x00, 0x00}
	if v4 := dst.IP.To4(); v4 != nil {
		hdr = append(hdr, socksAtypIPv4)
		hdr = append(hdr, v4...)
	} else {
		hdr = append(hdr, socksAtypIPv6)
		hdr = append(hdr, dst.IP.To16()...)
	}
	return binary.BigEndian.AppendUint16(hdr, uint16(dst.Port))
}

// stripUDPHeader returns the payload of a relayed SOCKS5 UDP datagram.
func stripUDPHeader(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, errors.New("short UDP datagram")
	}
	if b[2] != 0x00 {
		return nil, errors.New("fragmented UDP datagram")
	}
	var addrLen int
	switch b[3] {
	case socksAtypIPv4:
		addrLen = 4
	case socksAtypIPv6:
		addrLen = 16
	case socksAtypDomain:
		if len(b) < 5 {
			return nil, errors.New("short UDP datagram")
		}
		addrLen = 1 + int(b[4])
	default:
		return nil, fmt.Errorf("unknown UDP ATYP: 0x%02x", b[3])
	}
	start := 4 + addrLen + 2
	if len(b) < start {
		return nil, errors.New("short UDP datagram")
	}
	return b[start:], nil
}

// associateRefusals names the replies a proxy uses to turn down UDP
// ASSOCIATE.
var associateRefusals = map[byte]string{
	0x01: "proxy failure",
	0x02: "not allowed by proxy rules",
	0x07: "command not supported",
	0x08: "address type not supported",
}

func associateRefused(rep byte) error {
	if reason, ok := associateRefusals[rep]; ok {
		return fmt.Errorf("UDP ASSOCIATE refused: %s", reason)
	}
	return fmt.Errorf("UDP ASSOCIATE refused with reply 0x%02x", rep)
}
