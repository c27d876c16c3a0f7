package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrMalformedURI      = errors.New("malformed request URI")
	ErrUnsupportedScheme = errors.New("unsupported URI scheme")
	ErrMissingHost       = errors.New("request names no host")
)

const defaultPort = 80

// Target is the origin a request is forwarded to.
type Target struct {
	Host string
	Port int
	Path string
}

// Addr returns host:port for dialing.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HostHeader returns the value for a synthesized Host header; the port is
// only included when it is not the default.
func (t Target) HostHeader() string {
	if t.Port == defaultPort {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return t.Addr()
}

// ParseURI splits [http://]host[:port][/path] into its parts. The port
// defaults to 80 and the path to "/".
func ParseURI(raw string) (Target, error) {
	rest := raw
	if i := strings.Index(rest, "://"); i != -1 && !strings.ContainsAny(rest[:i], "/?") {
		scheme := rest[:i]
		if !strings.EqualFold(scheme, "http") {
			return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
		}
		rest = rest[i+3:]
	}

	authority, path := rest, "/"
	if i := strings.IndexAny(rest, "/?"); i != -1 {
		authority, path = rest[:i], rest[i:]
		if path[0] == '?' {
			path = "/" + path
		}
	}

	host, port, err := splitAuthority(authority)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %q: %v", ErrMalformedURI, raw, err)
	}
	return Target{Host: host, Port: port, Path: path}, nil
}

func splitAuthority(authority string) (string, int, error) {
	if authority == "" {
		return "", 0, ErrMissingHost
	}
	if strings.ContainsAny(authority, "@ \t") {
		return "", 0, errors.New("invalid character in host")
	}

	host, portStr := authority, ""
	switch {
	case strings.HasPrefix(authority, "["):
		end := strings.Index(authority, "]")
		if end == -1 {
			return "", 0, errors.New("unterminated IPv6 literal")
		}
		host = authority[1:end]
		tail := authority[end+1:]
		if tail != "" {
			if tail[0] != ':' {
				return "", 0, errors.New("unexpected text after IPv6 literal")
			}
			portStr = tail[1:]
		}
	case strings.Contains(authority, ":"):
		i := strings.LastIndex(authority, ":")
		host, portStr = authority[:i], authority[i+1:]
		if strings.Contains(host, ":") {
			return "", 0, errors.New("IPv6 host must be bracketed")
		}
	}

	if host == "" {
		return "", 0, ErrMissingHost
	}

	port := defaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", portStr)
		}
		port = p
	}
	return host, port, nil
}
