package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbbpad/wbbpad/board"
	"github.com/wbbpad/wbbpad/controller"
	"github.com/wbbpad/wbbpad/internal/log"
	"github.com/wbbpad/wbbpad/mapping"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func parseCLI(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	p, err := kong.New(&cli, kong.Exit(func(int) { t.Fatal("kong exited") }))
	require.NoError(t, err)
	kctx, err := p.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestCLICommands(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: []string{}, want: "run"},
		{args: []string{"--device=synthetic"}, want: "run"},
		{args: []string{"run", "--output=log"}, want: "run"},
		{args: []string{"tare", "--device=synthetic"}, want: "tare"},
		{args: []string{"padtest", "--output=none"}, want: "padtest"},
		{args: []string{"config", "init", "mapping"}, want: "config init <command>"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			_, kctx := parseCLI(t, tt.args...)
			assert.Equal(t, tt.want, kctx.Command())
		})
	}
}

type feedMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (m feedMessage) text(t *testing.T) string {
	t.Helper()
	var d struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(m.Data, &d))
	return d.Text
}

func dialFeed(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 3*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads feed messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(feedMessage) bool) feedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m feedMessage
		require.NoError(t, conn.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}

func ofType(typ string) func(feedMessage) bool {
	return func(m feedMessage) bool { return m.Type == typ }
}

func startRun(t *testing.T, logger *slog.Logger, args ...string) (stop func() error) {
	t.Helper()
	cli, _ := parseCLI(t, append([]string{"run"}, args...)...)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- cli.Run.Start(ctx, logger, log.NewRaw(nil)) }()
	t.Cleanup(cancel)
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("run did not stop")
			return nil
		}
	}
}

func TestRunPublishesAndReloads(t *testing.T) {
	dir := t.TempDir()
	mappingFile := filepath.Join(dir, "mapping.yaml")
	require.NoError(t, os.WriteFile(mappingFile, []byte("combos:\n  left: stick-left\n"), 0o644))
	addr := freeAddr(t)
	logger, logs := bufferLogger()

	stop := startRun(t, logger,
		"--device=synthetic",
		"--synthetic.pattern=steps",
		"--output=log",
		"--board.polling-rate=100",
		"--board.tare-duration=100ms",
		"--mapping-file="+mappingFile,
		"--publish.listen="+addr,
	)
	conn := dialFeed(t, addr)
	readUntil(t, conn, ofType("frame"))

	require.NoError(t, os.WriteFile(mappingFile, []byte("combos:\n  left: dpad-left\n"), 0o644))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "reload"}))
	assert.Eventually(t, func() bool { return strings.Contains(logs.String(), "Mapping reloaded") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(mappingFile, []byte("combos:\n  left: moonwalk\n"), 0o644))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "reload"}))
	assert.Eventually(t, func() bool { return strings.Contains(logs.String(), "Mapping reload rejected") }, 2*time.Second, 10*time.Millisecond)
	readUntil(t, conn, ofType("error"))

	require.NoError(t, stop())
	assert.Contains(t, logs.String(), "wbbpad stopped")
}

func TestRunPauseAndResume(t *testing.T) {
	addr := freeAddr(t)
	logger, _ := bufferLogger()
	stop := startRun(t, logger,
		"--device=synthetic",
		"--synthetic.pattern=stand",
		"--output=log",
		"--board.polling-rate=100",
		"--board.tare-duration=100ms",
		"--publish.listen="+addr,
	)
	conn := dialFeed(t, addr)
	readUntil(t, conn, ofType("frame"))

	status := func(text string) func(feedMessage) bool {
		return func(m feedMessage) bool { return m.Type == "status" && m.text(t) == text }
	}

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "pause"}))
	readUntil(t, conn, status("Paused"))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "resume"}))
	readUntil(t, conn, status("Streaming"))
	readUntil(t, conn, ofType("frame"))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "tare", "resume": false}))
	readUntil(t, conn, func(m feedMessage) bool {
		return m.Type == "tare" && strings.Contains(string(m.Data), `"succeeded"`)
	})
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "resume"}))
	readUntil(t, conn, status("Streaming"))
	readUntil(t, conn, ofType("frame"))

	require.NoError(t, stop())
}

func TestRunReportsOutputUnavailable(t *testing.T) {
	addr := freeAddr(t)
	logger, _ := bufferLogger()
	stop := startRun(t, logger,
		"--device=synthetic",
		"--output=none",
		"--board.tare-duration=100ms",
		"--publish.listen="+addr,
	)
	conn := dialFeed(t, addr)

	m := readUntil(t, conn, ofType("output"))
	var d struct {
		Available bool   `json:"available"`
		Error     string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(m.Data, &d))
	assert.False(t, d.Available)
	assert.Contains(t, d.Error, controller.ErrOutputUnavailable.Error())

	require.NoError(t, stop())
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{name: "no serial port", args: []string{"--device=serial", "--output=none"}, want: board.ErrDeviceUnavailable},
		{name: "bad mapping", args: []string{"--device=synthetic", "--buttons.top-left=turbo"}, want: mapping.ErrConfigurationInvalid},
		{name: "bad board settings", args: []string{"--device=synthetic", "--board.averaging-samples=0"}, want: board.ErrInvalidSettings},
		{name: "missing mapping file", args: []string{"--device=synthetic", "--mapping-file=/nonexistent/wbbpad.json"}, want: os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, _ := parseCLI(t, append([]string{"run"}, tt.args...)...)
			logger, _ := bufferLogger()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := cli.Run.Start(ctx, logger, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTarePrintsOffsets(t *testing.T) {
	cli, _ := parseCLI(t, "tare", "--device=synthetic", "--board.tare-duration=100ms", "--board.polling-rate=100")
	var out bytes.Buffer
	cli.Tare.out = &out
	logger, _ := bufferLogger()

	require.NoError(t, cli.Tare.Execute(context.Background(), logger))
	text := out.String()
	assert.Contains(t, text, "top-left")
	assert.Contains(t, text, "2.100")
	assert.Contains(t, text, "bottom-right")
	assert.Contains(t, text, "samples:")
}

type recordingTransmitter struct {
	mu     sync.Mutex
	states []controller.InputState
}

func (r *recordingTransmitter) Transmit(_ context.Context, st *controller.InputState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, *st)
	return nil
}

func (r *recordingTransmitter) snapshot() []controller.InputState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]controller.InputState(nil), r.states...)
}

func TestPadtestHoldsAndReleases(t *testing.T) {
	rec := &recordingTransmitter{}
	driver := controller.NewDriver(controller.NewPad(rec), nil)
	keys := make(chan rune, 4)
	logger, _ := bufferLogger()

	done := make(chan error, 1)
	go func() { done <- runPadtest(context.Background(), driver, keys, 150*time.Millisecond, logger) }()

	keys <- 'z' // ignored
	keys <- 'b'
	require.Eventually(t, func() bool { return driver.Held().Has(controller.ButtonB) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return driver.Held().Empty() }, time.Second, 5*time.Millisecond)

	keys <- 'x'
	require.Eventually(t, func() bool { return driver.Held().Has(controller.ButtonX) }, time.Second, 5*time.Millisecond)
	keys <- 'q'
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("padtest did not quit")
	}

	states := rec.snapshot()
	require.NotEmpty(t, states)
	assert.True(t, states[len(states)-1].Neutral(), "pad is reset on exit")
	assert.True(t, driver.Held().Empty())
}

func TestPadtestQuitKeys(t *testing.T) {
	for _, k := range []rune{'q', 'Q', keyEsc, keyCtrlC} {
		keys := make(chan rune, 1)
		keys <- k
		driver := controller.NewDriver(controller.NewPad(nil), nil)
		logger, _ := bufferLogger()
		assert.NoError(t, runPadtest(context.Background(), driver, keys, time.Second, logger))
	}

	closed := make(chan rune)
	close(closed)
	logger, _ := bufferLogger()
	assert.NoError(t, runPadtest(context.Background(), controller.NewDriver(controller.NewPad(nil), nil), closed, time.Second, logger))
}

func TestReadKeys(t *testing.T) {
	var got []rune
	for k := range readKeys(strings.NewReader("abq")) {
		got = append(got, k)
	}
	assert.Equal(t, []rune{'a', 'b', 'q'}, got)
}
