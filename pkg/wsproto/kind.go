package wsproto

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Kind names a connection kind. The built-in kinds are KindTCP, KindHTTP and KindHTTPS;
// additional kinds may be registered with the dispatcher's adapter registry.
type Kind string

const (
	// KindTCP is a raw byte stream
	KindTCP Kind = "tcp"
	// KindHTTP is HTTP/1.1 request/response over a plain connection
	KindHTTP Kind = "http"
	// KindHTTPS is HTTP/1.1 request/response over TLS terminated by the dispatcher
	KindHTTPS Kind = "https"
)

// IsHTTP returns true for kinds that carry structured HTTP requests and responses
func (k Kind) IsHTTP() bool {
	return k == KindHTTP || k == KindHTTPS
}

func (k Kind) String() string {
	return string(k)
}

// TLSVersion selects the TLS protocol version for an https connection
type TLSVersion string

// Supported TLS versions
const (
	TLSv10 TLSVersion = "1.0"
	TLSv11 TLSVersion = "1.1"
	TLSv12 TLSVersion = "1.2"
	TLSv13 TLSVersion = "1.3"
)

// ParseKind accepts a kind name, including the capability spellings "https_tls1_2" etc.,
// and returns the kind together with any pinned TLS version.
func ParseKind(s string) (Kind, TLSVersion, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return "", "", fmt.Errorf("empty connection kind")
	case "https_tls1_0":
		return KindHTTPS, TLSv10, nil
	case "https_tls1_1":
		return KindHTTPS, TLSv11, nil
	case "https_tls1_2":
		return KindHTTPS, TLSv12, nil
	case "https_tls1_3":
		return KindHTTPS, TLSv13, nil
	}
	return Kind(s), "", nil
}

// Target is a parsed connection destination
type Target struct {
	// Scheme is the URL scheme given by the caller, if any
	Scheme string
	// Host is a host name or IP address
	Host string
	// Port is the numeric port
	Port int
	// Path is the request path from a URL target; "/" if absent
	Path string
}

// Addr returns the dialable "host:port" form of the target
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	if t.Scheme == "" {
		return t.Addr()
	}
	return t.Scheme + "://" + t.Addr()
}

func defaultPort(kind Kind) int {
	switch kind {
	case KindHTTP:
		return 80
	case KindHTTPS:
		return 443
	}
	return 0
}

// ParseTarget validates a target for the given kind. TCP targets are "host:port" or
// "tcp://host:port"; HTTP and HTTPS targets are URLs or bare authorities, with the port
// defaulting to 80 and 443. Other kinds accept either form but require a port.
func ParseTarget(kind Kind, s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty target for %s connection", kind)
	}

	t := Target{Path: "/"}
	authority := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Target{}, fmt.Errorf("invalid %s target %q: %s", kind, s, err)
		}
		t.Scheme = strings.ToLower(u.Scheme)
		switch {
		case kind == KindTCP && t.Scheme != "tcp":
			return Target{}, fmt.Errorf("tcp target %q must use the tcp:// scheme", s)
		case kind == KindHTTP && t.Scheme != "http":
			return Target{}, fmt.Errorf("http target %q must use the http:// scheme", s)
		case kind == KindHTTPS && t.Scheme != "https":
			return Target{}, fmt.Errorf("https target %q must use the https:// scheme", s)
		}
		authority = u.Host
		if u.Path != "" {
			t.Path = u.Path
		}
	}
	if authority == "" {
		return Target{}, fmt.Errorf("target %q has no host", s)
	}

	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		// no port given
		host = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
		t.Port = defaultPort(kind)
		if t.Port == 0 {
			return Target{}, fmt.Errorf("%s target %q requires host:port", kind, s)
		}
	} else {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("%s target %q has invalid port %q", kind, s, portStr)
		}
		t.Port = port
	}
	if host == "" {
		return Target{}, fmt.Errorf("target %q has no host", s)
	}
	t.Host = host
	return t, nil
}
