package wsshare

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Duration is a time.Duration that reads and writes JSON as a string such as "10s"
type Duration time.Duration

// MarshalJSON encodes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// Config is the proxy server configuration. It can be loaded from a JSON file and
// overridden by command line flags.
type Config struct {
	Host string `json:"host"`
	Port string `json:"port"`

	// Path is the URL path that accepts WebSocket upgrades
	Path string `json:"path"`

	LogLevel string `json:"log_level"`

	// OpenTimeout bounds how long an adapter may take to establish a connection
	OpenTimeout Duration `json:"open_timeout"`

	// MaxPayload is the largest frame payload accepted from a client
	MaxPayload int `json:"max_payload"`

	// MaxRequestBody is the largest http request body accepted from a client
	MaxRequestBody int `json:"max_request_body"`

	// KeepAlive is the interval between WebSocket pings; zero disables them
	KeepAlive Duration `json:"keepalive"`

	// Socks5 registers the "socks5" connection kind
	Socks5 bool `json:"socks5"`
}

// Default configuration values
const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = "8080"
	DefaultPath        = "/"
	DefaultOpenTimeout = 10 * time.Second
	DefaultMaxPayload  = 1 << 20

	DefaultMaxRequestBody = 32 << 20
)

// NewDefaultConfig returns a Config with every field set to its default
func NewDefaultConfig() *Config {
	return &Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		Path:        DefaultPath,
		LogLevel:    LogLevelInfo.String(),
		OpenTimeout: Duration(DefaultOpenTimeout),
		MaxPayload:  DefaultMaxPayload,

		MaxRequestBody: DefaultMaxRequestBody,
	}
}

// Validate checks field values, filling in defaults for zero values
func (c *Config) Validate() error {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("websocket path %q must start with '/'", c.Path)
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevelInfo.String()
	}
	if StringToLogLevel(c.LogLevel) == LogLevelUnknown {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.OpenTimeout < 0 || c.KeepAlive < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = Duration(DefaultOpenTimeout)
	}
	if c.MaxPayload < 0 {
		return fmt.Errorf("max_payload must not be negative")
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.MaxRequestBody < 0 {
		return fmt.Errorf("max_request_body must not be negative")
	}
	if c.MaxRequestBody == 0 {
		c.MaxRequestBody = DefaultMaxRequestBody
	}
	return nil
}

// LoadConfigFile reads a JSON config file on top of the defaults
func LoadConfigFile(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := NewDefaultConfig()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %s", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %s", path, err)
	}
	return c, nil
}

// ConfigWatcher reloads a config file whenever it changes on disk and hands every
// successfully parsed version to a callback
type ConfigWatcher struct {
	ShutdownHelper
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
}

// NewConfigWatcher creates a ConfigWatcher for path. onChange is called from the
// watcher's goroutine.
func NewConfigWatcher(logger Logger, path string, onChange func(*Config)) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory; editors often replace the file rather than writing it
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	cw := &ConfigWatcher{
		path:     abs,
		onChange: onChange,
		watcher:  w,
	}
	cw.InitShutdownHelper(logger.Fork("config %s", filepath.Base(abs)), cw)
	return cw, nil
}

// Run processes file events until ctx is done or the watcher is closed
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	err := cw.DoOnceActivate(
		func() error {
			cw.ShutdownOnContext(ctx)
			go cw.loop()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	err = cw.WaitShutdown()
	if err == context.Canceled {
		err = nil
	}
	return err
}

func (cw *ConfigWatcher) loop() {
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cw.reload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.WLogf("watch error: %s", err)
		}
	}
}

func (cw *ConfigWatcher) reload() {
	c, err := LoadConfigFile(cw.path)
	if err != nil {
		// partial writes are common; the next event will retry
		cw.DLogf("reload skipped: %s", err)
		return
	}
	cw.ILogf("reloaded")
	cw.onChange(c)
}

// HandleOnceShutdown stops watching
func (cw *ConfigWatcher) HandleOnceShutdown(completionErr error) error {
	err := cw.watcher.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
