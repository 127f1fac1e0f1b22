package viiperlink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TransportConfig controls timeouts and authentication of the management
// connection.
type TransportConfig struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Password     string
}

func defaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Transport speaks the VIIPER management protocol.
//
// Request: `<path>[ SP <payload>] \x00`. Response: a single JSON document
// (or nothing on success) followed by connection close, so the response is
// read until EOF and one trailing newline is trimmed.
type Transport struct {
	addr   string
	cfg    TransportConfig
	logger *slog.Logger

	keyOnce sync.Once
	key     []byte
	keyErr  error
}

// NewTransport returns a transport for addr. A nil cfg selects the defaults.
func NewTransport(addr string, cfg *TransportConfig, logger *slog.Logger) *Transport {
	c := defaultTransportConfig()
	if cfg != nil {
		c = *cfg
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{addr: addr, cfg: c, logger: logger}
}

// authKey derives the password key once per transport.
func (t *Transport) authKey() ([]byte, error) {
	t.keyOnce.Do(func() {
		t.key, t.keyErr = deriveKey(t.cfg.Password)
	})
	return t.key, t.keyErr
}

// dial opens a connection and, when a password is configured, completes the
// handshake and returns the encrypted connection.
func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	d := &net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			t.logger.Warn("failed to set TCP_NODELAY", "error", err)
		}
	}
	if t.cfg.Password == "" {
		return conn, nil
	}

	key, err := t.authKey()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if t.cfg.ReadTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	br := bufio.NewReader(conn)
	sessionKey, err := clientHandshake(br, conn, key)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	secure, err := wrapConn(conn, br, sessionKey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return secure, nil
}

// Do sends one request and returns the raw response without its trailing
// newline. Payload: []byte and string are sent as-is, nil sends nothing,
// anything else is JSON encoded.
func (t *Transport) Do(ctx context.Context, path string, payload any, pathParams map[string]string) (string, error) {
	fullPath := fillPath(path, pathParams)
	line := []byte(fullPath)
	pb, err := toPayloadBytes(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if len(pb) > 0 {
		line = append(append(line, ' '), pb...)
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if _, err := conn.Write(append(line, '\x00')); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	resp, err := io.ReadAll(conn)
	if err != nil && len(resp) == 0 {
		return "", fmt.Errorf("read: %w", err)
	}
	t.logger.Debug("viiper request", "path", fullPath, "response_bytes", len(resp))
	return strings.TrimSuffix(string(resp), "\n"), nil
}

func fillPath(pattern string, params map[string]string) string {
	out := pattern
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", url.PathEscape(v))
	}
	return strings.ToLower(out)
}

func toPayloadBytes(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(v)
	}
}
