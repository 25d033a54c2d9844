package wsadapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/sammck-go/wsproxy/pkg/wsproto"
)

// ClassifyError maps a Go network error to a fatal ConnectionError. Errors that do not match
// a known class get the fallback kind. A nil error returns nil.
func ClassifyError(err error, fallback wsproto.ErrorKind) *wsproto.ConnectionError {
	if err == nil {
		return nil
	}
	var ce *wsproto.ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return wsproto.NewConnectionError(errorKind(err, fallback), "%s", err)
}

func errorKind(err error, fallback wsproto.ErrorKind) wsproto.ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return wsproto.ErrorTimeout
		}
		return wsproto.ErrorResolutionFailed
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wsproto.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wsproto.ErrorTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return wsproto.ErrorRefused
	}

	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return wsproto.ErrorClosed
	}

	var recErr tls.RecordHeaderError
	var authErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var certErr x509.CertificateInvalidError
	if errors.As(err, &recErr) || errors.As(err, &authErr) || errors.As(err, &hostErr) ||
		errors.As(err, &certErr) || strings.HasPrefix(err.Error(), "tls: ") ||
		strings.Contains(err.Error(), "remote error: tls") {
		return wsproto.ErrorProtocolViolation
	}

	return fallback
}
