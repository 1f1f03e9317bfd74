package docker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/sirupsen/logrus"
)

// StreamKind is the fd byte at the start of an attach stream frame header
type StreamKind byte

const (
	// Stdin frames echo bytes written to the container's stdin
	Stdin StreamKind = iota
	// Stdout frames carry the container's stdout
	Stdout
	// Stderr frames carry the container's stderr
	Stderr
)

const (
	streamHeaderLen = 8
	streamFdIndex   = 0
	streamSizeIndex = 4
)

var (
	// ErrReadTimeout means the worker produced no response line in time
	ErrReadTimeout = errors.New("timeout reading from container")
	// ErrStreamClosed means the container hung up on us
	ErrStreamClosed = errors.New("container closed connection")
)

// DemuxFrames decodes multiplexed attach stream data. Frames are an 8-byte
// header [fd, 0, 0, 0, size(4, big-endian)] followed by size payload bytes.
// Stdin and stdout payloads are concatenated into text, stderr payloads are
// dropped. Decoding stops at the first incomplete frame so the caller can
// buffer the remainder for the next read.
//
// A header whose fd byte is not a known stream kind means the daemon did not
// multiplex (tty mode, or a raw passthrough): everything from that point is
// consumed as plain text.
func DemuxFrames(data []byte) (string, int) {
	var text strings.Builder
	pos := 0

	for pos < len(data) {
		if pos+streamHeaderLen > len(data) {
			break
		}

		kind := StreamKind(data[pos+streamFdIndex])
		if kind > Stderr {
			text.Write(data[pos:])
			pos = len(data)
			break
		}

		size := int(binary.BigEndian.Uint32(data[pos+streamSizeIndex : pos+streamSizeIndex+4]))
		if pos+streamHeaderLen+size > len(data) {
			break
		}

		if size > 0 && kind != Stderr {
			text.Write(data[pos+streamHeaderLen : pos+streamHeaderLen+size])
		}
		pos += streamHeaderLen + size
	}

	return text.String(), pos
}

// StreamConn is a request/response channel over a container's hijacked
// attach connection. Writes go to the container's stdin unframed; reads
// demux the attach stream and hand back one JSON line at a time.
//
// A StreamConn is not safe for concurrent use. Callers hold the session's
// lock across each exchange.
type StreamConn struct {
	Log  *logrus.Entry
	resp types.HijackedResponse

	lineBuf string
	rawBuf  []byte
}

// NewStreamConn wraps a hijacked attach response
func NewStreamConn(log *logrus.Entry, resp types.HijackedResponse) *StreamConn {
	return &StreamConn{Log: log, resp: resp}
}

// Command writes one JSON command line to the worker and reads its JSON
// response. Transport failures come back in the error response shape workers
// themselves use, together with the underlying error so the caller can
// classify it (ErrReadTimeout, ErrStreamClosed). A worker-level
// {"status": "error"} response is a successful exchange.
func (s *StreamConn) Command(cmd map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	resp, err := s.exchange(cmd, timeout)
	if err != nil {
		return map[string]interface{}{
			"status":  "error",
			"message": fmt.Sprintf("Communication error: %v", err),
		}, err
	}
	return resp, nil
}

func (s *StreamConn) exchange(cmd map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	if _, err := s.resp.Conn.Write(payload); err != nil {
		return nil, err
	}

	line, err := s.readLine(timeout)
	if err != nil {
		return nil, err
	}

	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("invalid worker response %q: %v", line, err)
	}
	return resp, nil
}

// readLine returns the next non-empty line from the worker's stdout,
// cleaned of framing artifacts. The timeout is applied in slices of at most
// a second so a hung worker doesn't pin the connection past its deadline.
func (s *StreamConn) readLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 4096)

	for {
		if line, ok := s.takeLine(); ok {
			return extractJSONLine(line), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrReadTimeout
		}
		slice := remaining
		if slice > time.Second {
			slice = time.Second
		}
		_ = s.resp.Conn.SetReadDeadline(time.Now().Add(slice))

		n, err := s.resp.Reader.Read(chunk)
		if n > 0 {
			s.rawBuf = append(s.rawBuf, chunk[:n]...)
			text, consumed := DemuxFrames(s.rawBuf)
			s.rawBuf = s.rawBuf[:copy(s.rawBuf, s.rawBuf[consumed:])]
			s.lineBuf += text
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				return "", ErrStreamClosed
			}
			return "", err
		}
	}
}

// takeLine pops the next complete non-empty line off the text buffer
func (s *StreamConn) takeLine() (string, bool) {
	for {
		idx := strings.IndexByte(s.lineBuf, '\n')
		if idx < 0 {
			return "", false
		}
		line := strings.TrimSpace(s.lineBuf[:idx])
		s.lineBuf = s.lineBuf[idx+1:]
		if line != "" {
			return line, true
		}
	}
}

// extractJSONLine salvages a JSON object from a line that may carry framing
// artifacts in front of it. If neither the whole line nor the portion from
// the first '{' parses, the line is returned as-is for the caller to reject.
func extractJSONLine(line string) string {
	line = strings.TrimSpace(line)
	if json.Valid([]byte(line)) {
		return line
	}

	if start := strings.IndexByte(line, '{'); start >= 0 {
		if candidate := line[start:]; json.Valid([]byte(candidate)) {
			return candidate
		}
	}

	return line
}

// CloseWrite half-closes the connection, signalling EOF on the worker's
// stdin
func (s *StreamConn) CloseWrite() error {
	return s.resp.CloseWrite()
}

// Close tears down the attach connection
func (s *StreamConn) Close() {
	s.resp.Close()
}
