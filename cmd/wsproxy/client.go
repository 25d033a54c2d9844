package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sammck-go/wsproxy/pkg/wsclient"
	"github.com/sammck-go/wsproxy/pkg/wsproto"
	wsshare "github.com/sammck-go/wsproxy/share"
)

type clientFlags struct {
	server           string
	hostHeader       string
	proxy            string
	maxRetryCount    int
	maxRetryInterval time.Duration
	timeout          time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.server, "server", "s", "http://127.0.0.1:"+wsshare.DefaultPort+wsshare.DefaultPath, "Proxy server URL")
	fl.StringVar(&f.hostHeader, "hostname", "", "Host header for the WebSocket upgrade request")
	fl.StringVar(&f.proxy, "proxy", "", "HTTP CONNECT proxy used to reach the server")
	fl.IntVar(&f.maxRetryCount, "max-retry-count", 0, "Dial retries before giving up; negative retries forever")
	fl.DurationVar(&f.maxRetryInterval, "max-retry-interval", 0, "Longest wait between dial retries (default 5m)")
	fl.DurationVar(&f.timeout, "timeout", 30*time.Second, "Overall time limit")
}

func (f *clientFlags) dial(ctx context.Context, logger wsshare.Logger) (*wsclient.Client, error) {
	return wsclient.Dial(ctx, logger, &wsclient.Config{
		Server:           f.server,
		HostHeader:       f.hostHeader,
		HTTPProxy:        f.proxy,
		MaxRetryCount:    f.maxRetryCount,
		MaxRetryInterval: f.maxRetryInterval,
	})
}

var getFlags struct {
	clientFlags
	method     string
	headers    []string
	data       string
	include    bool
	tlsVersion string
}

var getCommand = &cobra.Command{
	Use:   "get URL",
	Short: "Fetches an http or https URL through the proxy.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var tcpFlags struct {
	clientFlags
	data   string
	linger time.Duration
}

var tcpCommand = &cobra.Command{
	Use:   "tcp HOST:PORT",
	Short: "Sends bytes to a TCP service through the proxy and prints the reply.",
	Long: "Sends --data, or standard input if --data is not given, to a TCP service through " +
		"the proxy. Prints every byte received until --linger passes without more data.",
	Args: cobra.ExactArgs(1),
	RunE: runTCP,
}

func init() {
	getFlags.register(getCommand)
	f := getCommand.Flags()
	f.StringVarP(&getFlags.method, "request", "X", "GET", "HTTP method")
	f.StringArrayVarP(&getFlags.headers, "header", "H", nil, "Request header \"Name: value\"; repeatable")
	f.StringVarP(&getFlags.data, "data", "d", "", "Request body")
	f.BoolVarP(&getFlags.include, "include", "i", false, "Print the status line and response headers")
	f.StringVar(&getFlags.tlsVersion, "tls-version", "", "Pin the TLS version of an https URL: 1.0, 1.1, 1.2 or 1.3")
	rootCommand.AddCommand(getCommand)

	tcpFlags.register(tcpCommand)
	tcpCommand.Flags().StringVar(&tcpFlags.data, "data", "", "Bytes to send")
	tcpCommand.Flags().DurationVar(&tcpFlags.linger, "linger", 500*time.Millisecond, "Wait this long for more reply data")
	rootCommand.AddCommand(tcpCommand)
}

// parseHeader splits "Name: value"
func parseHeader(s string) (wsproto.Header, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return wsproto.Header{}, fmt.Errorf("invalid header %q, expected \"Name: value\"", s)
	}
	return wsproto.Header{Name: strings.TrimSpace(s[:i]), Value: strings.TrimSpace(s[i+1:])}, nil
}

// buildGet turns a URL and the get flags into a connection kind, target and request
func buildGet(rawURL string) (string, string, *wsclient.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", nil, err
	}
	kind := strings.ToLower(u.Scheme)
	switch kind {
	case "http":
		if getFlags.tlsVersion != "" {
			return "", "", nil, fmt.Errorf("--tls-version requires an https URL")
		}
	case "https":
		if v := getFlags.tlsVersion; v != "" {
			kind = "https_tls" + strings.Replace(v, ".", "_", 1)
		}
	default:
		return "", "", nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	req := &wsclient.Request{
		Method:  strings.ToUpper(getFlags.method),
		Path:    u.RequestURI(),
		Headers: []wsproto.Header{{Name: "Host", Value: u.Host}},
	}
	for _, s := range getFlags.headers {
		h, err := parseHeader(s)
		if err != nil {
			return "", "", nil, err
		}
		if strings.EqualFold(h.Name, "Host") {
			req.Headers[0] = h
			continue
		}
		req.Headers = append(req.Headers, h)
	}
	if getFlags.data != "" {
		req.Body = []byte(getFlags.data)
	}
	return kind, u.Scheme + "://" + u.Host, req, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	kind, target, req, err := buildGet(args[0])
	if err != nil {
		return err
	}
	logger, err := newLogger("get", wsshare.LogLevelWarning)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), getFlags.timeout)
	defer cancel()

	c, err := getFlags.dial(ctx, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	cn, err := c.CreateConnection(kind, target)
	if err != nil {
		return err
	}
	if err := cn.WaitReady(ctx); err != nil {
		return err
	}
	fut, err := cn.SendRequest(req)
	if err != nil {
		return err
	}
	resp, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	cn.Close()

	out := cmd.OutOrStdout()
	if getFlags.include {
		fmt.Fprintf(out, "HTTP/1.1 %d\n", resp.Status)
		for _, h := range resp.Headers {
			fmt.Fprintf(out, "%s: %s\n", h.Name, h.Value)
		}
		fmt.Fprintln(out)
	}
	_, err = out.Write(resp.Body)
	return err
}

func runTCP(cmd *cobra.Command, args []string) error {
	data := []byte(tcpFlags.data)
	if tcpFlags.data == "" {
		var err error
		if data, err = ioutil.ReadAll(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	logger, err := newLogger("tcp", wsshare.LogLevelWarning)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), tcpFlags.timeout)
	defer cancel()

	c, err := tcpFlags.dial(ctx, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	cn, err := c.CreateTCPConnection(args[0])
	if err != nil {
		return err
	}
	if err := cn.WaitReady(ctx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(data) > 0 {
		fut, err := cn.Send(data)
		if err != nil {
			return err
		}
		resp, err := fut.Wait(ctx)
		if err != nil {
			return err
		}
		out.Write(resp.Body)
	}

	// keep printing until the service goes quiet or closes
	quiet := time.NewTimer(tcpFlags.linger)
	defer quiet.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			if b := cn.Unclaimed(); len(b) > 0 {
				out.Write(b)
				quiet.Reset(tcpFlags.linger)
			}
		case <-quiet.C:
			out.Write(cn.Unclaimed())
			return cn.Close()
		case <-cn.Done():
			out.Write(cn.Unclaimed())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
