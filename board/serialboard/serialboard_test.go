package serialboard

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbbpad/wbbpad/board"
)

// fakeDevice answers every request line with the next entry of answers.
// An empty answer makes it stay silent for that request.
func fakeDevice(t *testing.T, conn net.Conn, answers []string) {
	t.Helper()
	go func() {
		defer conn.Close()
		r := bufio.NewReader(conn)
		for _, a := range answers {
			req, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if req != "R\n" {
				t.Errorf("unexpected request %q", req)
				return
			}
			if a == "" {
				continue
			}
			if _, err := io.WriteString(conn, a); err != nil {
				return
			}
		}
	}()
}

func pipeBoard(t *testing.T, answers []string) *Board {
	t.Helper()
	host, dev := net.Pipe()
	fakeDevice(t, dev, answers)
	b := NewWithOpener(func() (io.ReadWriteCloser, error) { return host, nil }, nil)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func readWithin(b *Board, d time.Duration) (board.Reading, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return b.Read(ctx)
}

func TestReadSamples(t *testing.T) {
	b := pipeBoard(t, []string{"1.5 2 3.25 4\n", "  0 0 0 0.5 \r\n"})

	r, err := readWithin(b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, board.Reading{1.5, 2, 3.25, 4}, r)

	r, err = readWithin(b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, board.Reading{0, 0, 0, 0.5}, r)
}

func TestReadTimeoutThenStaleAnswerDiscarded(t *testing.T) {
	host, dev := net.Pipe()
	b := NewWithOpener(func() (io.ReadWriteCloser, error) { return host, nil }, nil)
	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	release := make(chan struct{})
	go func() {
		r := bufio.NewReader(dev)
		_, _ = r.ReadString('\n')
		<-release
		_, _ = io.WriteString(dev, "9 9 9 9\n")
		_, _ = r.ReadString('\n')
		_, _ = io.WriteString(dev, "1 2 3 4\n")
	}()

	_, err := readWithin(b, 20*time.Millisecond)
	require.ErrorIs(t, err, board.ErrReadTimeout)
	close(release)

	// let the late answer reach the pump before the next request
	time.Sleep(20 * time.Millisecond)
	r, err := readWithin(b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, board.Reading{1, 2, 3, 4}, r)
}

func TestReadDisconnected(t *testing.T) {
	b := pipeBoard(t, []string{"1 1 1 1\n"})
	_, err := readWithin(b, time.Second)
	require.NoError(t, err)

	// the device hangs up after its only answer
	_, err = readWithin(b, time.Second)
	assert.ErrorIs(t, err, board.ErrDisconnected)
}

func TestReadBeforeConnect(t *testing.T) {
	b := NewWithOpener(func() (io.ReadWriteCloser, error) { return nil, errors.New("unused") }, nil)
	_, err := b.Read(context.Background())
	assert.ErrorIs(t, err, board.ErrDisconnected)
}

func TestConnectFailure(t *testing.T) {
	b := NewWithOpener(func() (io.ReadWriteCloser, error) { return nil, errors.New("permission denied") }, nil)
	err := b.Connect(context.Background())
	assert.ErrorIs(t, err, board.ErrDeviceUnavailable)

	assert.ErrorIs(t, New(Config{}, nil).Connect(context.Background()), board.ErrDeviceUnavailable)
}

func TestParseSample(t *testing.T) {
	tests := []struct {
		in      string
		want    board.Reading
		wantErr bool
	}{
		{in: "1 2 3 4", want: board.Reading{1, 2, 3, 4}},
		{in: "-0.5\t2e1 3 4", want: board.Reading{-0.5, 20, 3, 4}},
		{in: "1 2 3", wantErr: true},
		{in: "1 2 3 4 5", wantErr: true},
		{in: "1 2 x 4", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSample(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
