package log

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// RawLogger records raw sensor samples with optional file output.
type RawLogger interface {
	Log(seq uint64, raw, offsets [4]float64)
}

// rawLogger implements RawLogger with thread-safe output.
type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a new RawLogger. If writer is nil, returns a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits a single line per sample: timestamp, sequence number, the four
// raw sensor values (TL TR BL BR) and the offsets subtracted from them.
func (r *rawLogger) Log(seq uint64, raw, offsets [4]float64) {
	if r.w == nil {
		return
	}

	buf := make([]byte, 0, 128)
	buf = append(buf, time.Now().Format("2006/01/02 15:04:05.000")...)
	buf = append(buf, " #"...)
	buf = strconv.AppendUint(buf, seq, 10)
	buf = append(buf, " raw:"...)
	for _, v := range raw {
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, v, 'f', 3, 64)
	}
	buf = append(buf, " offsets:"...)
	for _, v := range offsets {
		buf = append(buf, ' ')
		buf = strconv.AppendFloat(buf, v, 'f', 3, 64)
	}
	buf = append(buf, '\n')

	r.mu.Lock()
	_, _ = r.w.Write(buf)
	r.mu.Unlock()
}

// OpenRaw picks the raw sample destination: the given file, stdout when the
// log level is trace, or nowhere. The returned closer is nil when no file was
// opened.
func OpenRaw(file, level string, stdout io.Writer) (RawLogger, io.Closer, error) {
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return NewRaw(nil), nil, err
		}
		return NewRaw(f), f, nil
	}
	if level == "trace" {
		return NewRaw(stdout), nil, nil
	}
	return NewRaw(nil), nil, nil
}
