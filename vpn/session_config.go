package vpn

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/yllada/proxy-tunnel/common"
)

// SessionConfig describes one candidate proxy endpoint.
type SessionConfig struct {
	// Host is the proxy server hostname or IP address.
	Host string `yaml:"host" json:"host"`
	// Port is the proxy server port.
	Port int `yaml:"port" json:"port"`
	// Password is the proxy secret.
	Password string `yaml:"password" json:"password"`
	// Method is the proxy cipher, e.g. chacha20-ietf-poly1305.
	Method string `yaml:"method" json:"method"`
	// Prefix is an optional byte prefix sent at the start of each
	// connection to disguise the traffic.
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	// Name is a display label only. It takes no part in equality.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Equal reports whether both configs describe the same endpoint.
func (c SessionConfig) Equal(o SessionConfig) bool {
	return c.Host == o.Host &&
		c.Port == o.Port &&
		c.Password == o.Password &&
		c.Method == o.Method &&
		c.Prefix == o.Prefix
}

// Address returns host:port.
func (c SessionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String identifies the config in logs without leaking the password.
func (c SessionConfig) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%s)", c.Name, c.Address())
	}
	return c.Address()
}

// Validate checks the fields needed to launch a proxy client.
func (c SessionConfig) Validate() error {
	switch {
	case c.Host == "":
		return common.NewNativeError(common.IllegalServerConfiguration, "missing host")
	case c.Port < 1 || c.Port > 65535:
		return common.NewNativeError(common.IllegalServerConfiguration, fmt.Sprintf("invalid port %d", c.Port))
	case c.Method == "":
		return common.NewNativeError(common.IllegalServerConfiguration, "missing cipher")
	case c.Password == "":
		return common.NewNativeError(common.IllegalServerConfiguration, "missing password")
	}
	return nil
}

// ParseAccessKey parses an ss:// access key. Both the SIP002 form
// ss://base64url(method:password)@host:port/?prefix=...#name and the
// legacy ss://base64(method:password@host:port)#name form are accepted.
func ParseAccessKey(key string) (SessionConfig, error) {
	illegal := func(msg string) (SessionConfig, error) {
		return SessionConfig{}, common.NewNativeError(common.IllegalServerConfiguration, "invalid access key: "+msg)
	}

	rest, ok := strings.CutPrefix(strings.TrimSpace(key), "ss://")
	if !ok {
		return illegal("missing ss:// scheme")
	}

	var cfg SessionConfig
	rest, fragment, _ := strings.Cut(rest, "#")
	if fragment != "" {
		name, err := url.PathUnescape(fragment)
		if err != nil {
			return illegal("bad name")
		}
		cfg.Name = name
	}

	var creds, hostPort string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo := rest[:at]
		var query string
		hostPort, query, _ = strings.Cut(rest[at+1:], "?")
		hostPort = strings.TrimSuffix(hostPort, "/")
		if query != "" {
			values, err := url.ParseQuery(query)
			if err != nil {
				return illegal("bad query")
			}
			cfg.Prefix = values.Get("prefix")
		}
		if decoded, err := decodeBase64(userinfo); err == nil && strings.Contains(decoded, ":") {
			creds = decoded
		} else if plain, err := url.PathUnescape(userinfo); err == nil {
			creds = plain
		}
		return finishAccessKey(cfg, creds, hostPort, illegal)
	}

	decoded, err := decodeBase64(rest)
	if err != nil {
		return illegal("bad base64 payload")
	}
	at := strings.LastIndex(decoded, "@")
	if at < 0 {
		return illegal("missing server address")
	}
	creds, hostPort = decoded[:at], decoded[at+1:]
	return finishAccessKey(cfg, creds, hostPort, illegal)
}

func finishAccessKey(cfg SessionConfig, creds, hostPort string, illegal func(string) (SessionConfig, error)) (SessionConfig, error) {
	method, password, ok := strings.Cut(creds, ":")
	if !ok {
		return illegal("missing cipher or password")
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return illegal("bad server address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return illegal("bad port")
	}
	cfg.Host, cfg.Port, cfg.Method, cfg.Password = host, port, method, password
	if err := cfg.Validate(); err != nil {
		return SessionConfig{}, err
	}
	return cfg, nil
}

func decodeBase64(s string) (string, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return string(b), nil
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
