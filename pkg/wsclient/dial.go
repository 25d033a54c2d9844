package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	wsshare "github.com/sammck-go/wsproxy/share"
)

// Config controls how Dial reaches the server
type Config struct {
	// Server is the dispatcher's WebSocket URL. http and https schemes are accepted and
	// mapped to ws and wss.
	Server string

	// HostHeader, if set, overrides the Host header of the upgrade request
	HostHeader string

	// Headers are added to the upgrade request
	Headers http.Header

	// HTTPProxy, if set, is a proxy URL used to reach the server
	HTTPProxy string

	// MaxRetryCount is the number of dial retries; negative retries forever
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between dial attempts
	MaxRetryInterval time.Duration

	HandshakeTimeout time.Duration

	Options
}

var portSuffix = regexp.MustCompile(`:\d+$`)

// serverURL applies the default scheme and port and swaps http for ws
func serverURL(server string) (string, error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	if !portSuffix.MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host = u.Host + ":443"
		} else {
			u.Host = u.Host + ":80"
		}
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Dial connects to the dispatcher, retrying with backoff, and returns a running Client
func Dial(ctx context.Context, logger wsshare.Logger, config *Config) (*Client, error) {
	server, err := serverURL(config.Server)
	if err != nil {
		return nil, logger.Errorf("Invalid server URL %q: %s", config.Server, err)
	}
	d := websocket.Dialer{
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		HandshakeTimeout: config.HandshakeTimeout,
		Subprotocols:     []string{wsshare.ProtocolVersion},
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = 45 * time.Second
	}
	if p := config.HTTPProxy; p != "" {
		proxyURL, err := url.Parse(p)
		if err != nil {
			return nil, logger.Errorf("Invalid proxy URL (%s)", err)
		}
		d.Proxy = http.ProxyURL(proxyURL)
	}
	headers := http.Header{}
	for k, v := range config.Headers {
		headers[k] = append([]string(nil), v...)
	}
	if config.HostHeader != "" {
		headers.Set("Host", config.HostHeader)
	}

	maxInterval := config.MaxRetryInterval
	if maxInterval < time.Second {
		maxInterval = 5 * time.Minute
	}
	b := &backoff.Backoff{Max: maxInterval}
	logger.ILogf("Connecting to %s", server)
	for {
		wsConn, resp, err := d.DialContext(ctx, server, headers)
		if err == nil {
			if wsConn.Subprotocol() != wsshare.ProtocolVersion {
				wsConn.Close()
				return nil, logger.Errorf("Server does not speak %s", wsshare.ProtocolVersion)
			}
			logger.ILogf("Connected")
			return NewClient(logger, wsConn, config.Options), nil
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			// wrong path, or a server speaking another protocol version
			return nil, logger.Errorf("Connection rejected by server: %s", resp.Status)
		}

		attempt := int(b.Attempt())
		msg := fmt.Sprintf("Connection error: %s", err)
		if attempt > 0 {
			msg += fmt.Sprintf(" (Attempt: %d", attempt)
			if config.MaxRetryCount > 0 {
				msg += fmt.Sprintf("/%d", config.MaxRetryCount)
			}
			msg += ")"
		}
		logger.DLogf("%s", msg)
		if config.MaxRetryCount >= 0 && attempt >= config.MaxRetryCount {
			return nil, logger.Errorf("%s", err)
		}
		delay := b.Duration()
		logger.ILogf("Retrying in %s...", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
