package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sammck-go/wsproxy/pkg/wsadapter"
	"github.com/sammck-go/wsproxy/pkg/wsdispatch"
	wsshare "github.com/sammck-go/wsproxy/share"
)

var serverFlags struct {
	config      string
	host        string
	port        string
	path        string
	openTimeout time.Duration
	maxPayload  int
	maxBody     int
	keepAlive   time.Duration
	socks5      bool
}

var serverCommand = &cobra.Command{
	Use:   "server",
	Short: "Runs the proxy server.",
	Long: "Runs the proxy server. Settings come from the optional --config JSON file, " +
		"overridden by flags. While running, changes to the config file's log_level and " +
		"open_timeout are applied without a restart.",
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	f := serverCommand.Flags()
	f.StringVar(&serverFlags.config, "config", "", "JSON config file, watched for changes")
	f.StringVar(&serverFlags.host, "host", wsshare.DefaultHost, "Listen address (env HOST)")
	f.StringVarP(&serverFlags.port, "port", "p", wsshare.DefaultPort, "Listen port (env PORT)")
	f.StringVar(&serverFlags.path, "path", wsshare.DefaultPath, "URL path accepting WebSocket upgrades")
	f.DurationVar(&serverFlags.openTimeout, "open-timeout", wsshare.DefaultOpenTimeout, "Time allowed to establish an upstream connection")
	f.IntVar(&serverFlags.maxPayload, "max-payload", wsshare.DefaultMaxPayload, "Largest frame payload in bytes")
	f.IntVar(&serverFlags.maxBody, "max-request-body", wsshare.DefaultMaxRequestBody, "Largest http request body in bytes")
	f.DurationVar(&serverFlags.keepAlive, "keepalive", 0, "Interval between WebSocket pings; 0 disables")
	f.BoolVar(&serverFlags.socks5, "socks5", false, "Enable the socks5 connection kind")
	rootCommand.AddCommand(serverCommand)
}

// serverConfig merges defaults, environment, the config file and explicitly set flags, in
// increasing order of precedence
func serverConfig(cmd *cobra.Command) (*wsshare.Config, error) {
	c := wsshare.NewDefaultConfig()
	if serverFlags.config != "" {
		var err error
		if c, err = wsshare.LoadConfigFile(serverFlags.config); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("HOST"); v != "" && !cmd.Flags().Changed("host") {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" && !cmd.Flags().Changed("port") {
		c.Port = v
	}
	f := cmd.Flags()
	if f.Changed("host") {
		c.Host = serverFlags.host
	}
	if f.Changed("port") {
		c.Port = serverFlags.port
	}
	if f.Changed("path") {
		c.Path = serverFlags.path
	}
	if f.Changed("open-timeout") {
		c.OpenTimeout = wsshare.Duration(serverFlags.openTimeout)
	}
	if f.Changed("max-payload") {
		c.MaxPayload = serverFlags.maxPayload
	}
	if f.Changed("max-request-body") {
		c.MaxRequestBody = serverFlags.maxBody
	}
	if f.Changed("keepalive") {
		c.KeepAlive = wsshare.Duration(serverFlags.keepAlive)
	}
	if f.Changed("socks5") {
		c.Socks5 = serverFlags.socks5
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// newServer builds the dispatcher for c
func newServer(logger wsshare.Logger, c *wsshare.Config) (*wsdispatch.Server, error) {
	registry := wsadapter.NewRegistry()
	if c.Socks5 {
		if err := registry.Register(wsadapter.KindSocks5, wsadapter.SocksFactory); err != nil {
			return nil, err
		}
	}
	return wsdispatch.NewServer(logger, &wsdispatch.ServerConfig{
		Path:           c.Path,
		OpenTimeout:    time.Duration(c.OpenTimeout),
		MaxPayload:     c.MaxPayload,
		KeepAlive:      time.Duration(c.KeepAlive),
		Registry:       registry,
		AdapterOptions: wsadapter.Options{MaxRequestBody: c.MaxRequestBody},
	})
}

func runServer(cmd *cobra.Command, _ []string) error {
	c, err := serverConfig(cmd)
	if err != nil {
		return err
	}
	logger := wsshare.NewLogger("server", wsshare.StringToLogLevel(c.LogLevel))
	srv, err := newServer(logger, c)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if serverFlags.config != "" {
		watcher, err := wsshare.NewConfigWatcher(logger.Fork("config"), serverFlags.config, srv.ApplyConfig)
		if err != nil {
			return err
		}
		if err := srv.AddShutdownChild(watcher); err != nil {
			watcher.Close()
			return err
		}
		go watcher.Run(ctx)
	}

	return srv.Run(ctx, net.JoinHostPort(c.Host, c.Port))
}
