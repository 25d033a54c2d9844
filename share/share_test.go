package wsshare

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelsAndForks(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLoggerWithWriter(buf, "server", LogLevelInfo)
	child := l.Fork("session#%d", 3)

	child.DLogf("hidden")
	child.ILogf("shown %d", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "server: session#3: shown 1")

	// forks share their parent's level
	l.SetLogLevel(LogLevelDebug)
	assert.Equal(t, LogLevelDebug, child.GetLogLevel())
	child.DLogf("now visible")
	assert.Contains(t, buf.String(), "now visible")

	err := child.Errorf("boom")
	assert.Equal(t, "server: session#3: boom", err.Error())
}

func TestStringToLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelTrace, StringToLogLevel(" TRACE "))
	assert.Equal(t, LogLevelWarning, StringToLogLevel("warning"))
	assert.Equal(t, LogLevelUnknown, StringToLogLevel("loud"))
	assert.Equal(t, "debug", LogLevelDebug.String())
}

func TestConfigValidate(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultHost, c.Host)
	assert.Equal(t, DefaultPort, c.Port)
	assert.Equal(t, DefaultPath, c.Path)
	assert.Equal(t, Duration(DefaultOpenTimeout), c.OpenTimeout)
	assert.Equal(t, DefaultMaxPayload, c.MaxPayload)

	assert.Error(t, (&Config{Path: "ws"}).Validate())
	assert.Error(t, (&Config{LogLevel: "loud"}).Validate())
	assert.Error(t, (&Config{OpenTimeout: Duration(-time.Second)}).Validate())
	assert.Error(t, (&Config{MaxPayload: -1}).Validate())
}

func writeConfig(t *testing.T, path, body string) {
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0600))
}

func TestLoadConfigFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "wsshare")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "config.json")

	writeConfig(t, path, `{"port":"9000","log_level":"debug","open_timeout":"2s","keepalive":1000000000}`)
	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, DefaultHost, c.Host)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 2*time.Second, time.Duration(c.OpenTimeout))
	assert.Equal(t, time.Second, time.Duration(c.KeepAlive))

	writeConfig(t, path, `{"open_timeout":"soon"}`)
	_, err = LoadConfigFile(path)
	assert.Error(t, err)

	_, err = LoadConfigFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestConfigWatcherReloads(t *testing.T) {
	dir, err := ioutil.TempDir("", "wsshare")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"log_level":"info"}`)

	changes := make(chan *Config, 16)
	cw, err := NewConfigWatcher(NewLoggerWithWriter(ioutil.Discard, "test", LogLevelTrace), path, func(c *Config) {
		changes <- c
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cw.Run(ctx) }()

	// give the watcher a moment to start its loop
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, filepath.Join(dir, "other.json"), `{}`)
	writeConfig(t, path, `{"log_level":"trace","open_timeout":"7s"}`)

	select {
	case c := <-changes:
		assert.Equal(t, "trace", c.LogLevel)
		assert.Equal(t, 7*time.Second, time.Duration(c.OpenTimeout))
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the config file changed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

type testShutdowner struct {
	ShutdownHelper
	handled int
	err     error
}

func newTestShutdowner() *testShutdowner {
	s := &testShutdowner{}
	s.InitShutdownHelper(NewLoggerWithWriter(ioutil.Discard, "test", LogLevelTrace), s)
	return s
}

func (s *testShutdowner) HandleOnceShutdown(completionErr error) error {
	s.handled++
	if completionErr == nil {
		completionErr = s.err
	}
	return completionErr
}

func TestShutdownHelperRunsOnce(t *testing.T) {
	s := newTestShutdowner()
	boom := errors.New("boom")
	s.StartShutdown(boom)
	s.StartShutdown(errors.New("ignored"))
	assert.Equal(t, boom, s.WaitShutdown())
	assert.Equal(t, boom, s.Close())
	assert.Equal(t, 1, s.handled)
	assert.True(t, s.IsStartedShutdown())
	assert.True(t, s.IsDoneShutdown())

	select {
	case <-s.ShutdownStartedChan():
	default:
		t.Fatal("started chan not closed")
	}
}

func TestShutdownHelperChildrenAndPause(t *testing.T) {
	parent := newTestShutdowner()
	child := newTestShutdowner()
	parent.AddShutdownChild(child)
	extra := make(chan struct{})
	parent.AddShutdownChildChan(extra)

	require.NoError(t, parent.PauseShutdown())
	parent.StartShutdown(nil)
	assert.False(t, parent.IsStartedShutdown())
	parent.ResumeShutdown()

	<-child.ShutdownDoneChan()
	assert.Equal(t, 1, child.handled)
	assert.False(t, parent.IsDoneShutdown())
	close(extra)
	assert.NoError(t, parent.WaitShutdown())
	assert.Error(t, parent.PauseShutdown())
}

func TestAddShutdownChildAfterShutdownStarted(t *testing.T) {
	parent := newTestShutdowner()
	require.NoError(t, parent.PauseShutdown())
	parent.StartShutdown(nil)
	// still paused, so children can join
	early := newTestShutdowner()
	require.NoError(t, parent.AddShutdownChild(early))
	parent.ResumeShutdown()
	require.NoError(t, parent.WaitShutdown())
	assert.True(t, early.IsDoneShutdown())

	late := newTestShutdowner()
	assert.Error(t, parent.AddShutdownChild(late))
	assert.Error(t, parent.AddShutdownChildChan(make(chan struct{})))
	assert.False(t, late.IsStartedShutdown())
}

func TestDoOnceActivate(t *testing.T) {
	s := newTestShutdowner()
	calls := 0
	activate := func() error {
		calls++
		return nil
	}
	require.NoError(t, s.DoOnceActivate(activate, true))
	require.NoError(t, s.DoOnceActivate(activate, true))
	assert.Equal(t, 1, calls)
	s.Close()

	failed := newTestShutdowner()
	err := failed.DoOnceActivate(func() error { return errors.New("no") }, true)
	assert.Error(t, err)
	assert.True(t, failed.IsDoneShutdown())

	ctxBound := newTestShutdowner()
	ctx, cancel := context.WithCancel(context.Background())
	ctxBound.ShutdownOnContext(ctx)
	cancel()
	assert.Equal(t, context.Canceled, ctxBound.WaitShutdown())
}

func TestConnStats(t *testing.T) {
	var s ConnStats
	s.New()
	s.Open()
	s.New()
	s.Open()
	s.Close()
	s.AddIn(2048)
	s.AddOut(10)
	assert.Equal(t, 1, s.OpenCount())
	assert.Equal(t, 2, s.TotalCount())
	assert.Equal(t, "[1/2]", s.String())
	assert.True(t, strings.HasPrefix(s.Traffic(), "in "))
}

func TestHTTPServerListenAndShutdown(t *testing.T) {
	h := NewHTTPServer(NewLoggerWithWriter(ioutil.Discard, "test", LogLevelTrace))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.ListenAndServe(ctx, "127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))
	}()
	addr := h.ListenAddr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/")
	require.NoError(t, err)
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
