package chatsync

import (
	"fmt"
	"io"
	"sync"

	"github.com/aquilax/truncate"
	"github.com/armon/circbuf"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// logPayloadLen caps payloads quoted in log lines.
const logPayloadLen = 96

// SetLogThreshold sets the level printed to stdout.
func SetLogThreshold(threshold jww.Threshold) {
	jww.SetStdoutThreshold(threshold)
	jww.INFO.Printf("[Logging] log threshold set to %s", threshold)
}

// shorten quotes data for a log line, keeping both ends of long payloads.
func shorten(data []byte) string {
	return truncate.Truncate(fmt.Sprintf("%q", data), logPayloadLen, "...", truncate.PositionMiddle)
}

// LogBuffer retains the most recent log output in a fixed-size ring buffer.
// It is attached to jwalterweatherman as a log listener.
type LogBuffer struct {
	threshold jww.Threshold

	mu  sync.Mutex
	buf *circbuf.Buffer
}

// NewLogBuffer creates a LogBuffer holding at most maxSize bytes of log lines
// at or above threshold and registers it with jwalterweatherman.
func NewLogBuffer(threshold jww.Threshold, maxSize int) (*LogBuffer, error) {
	b, err := circbuf.NewBuffer(int64(maxSize))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create log buffer")
	}
	lb := &LogBuffer{threshold: threshold, buf: b}
	jww.SetLogListeners(lb.Listen)
	jww.INFO.Printf("[Logging] capturing %s and above in %d byte buffer", threshold, maxSize)
	return lb, nil
}

// Listen returns the writer for logs of the given threshold, or nil when the
// level is below the buffer's threshold.
func (lb *LogBuffer) Listen(t jww.Threshold) io.Writer {
	if t < lb.threshold {
		return nil
	}
	return lb
}

// Write appends p to the ring, overwriting the oldest bytes when full.
func (lb *LogBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

// Bytes returns a copy of the retained log output.
func (lb *LogBuffer) Bytes() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]byte(nil), lb.buf.Bytes()...)
}

// Size returns the number of bytes retained.
func (lb *LogBuffer) Size() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return int(lb.buf.Size())
}

// Close detaches the buffer from the logger.
func (lb *LogBuffer) Close() {
	jww.SetLogListeners()
}
