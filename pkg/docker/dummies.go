package docker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"

	"github.com/docker/docker/api/types"
	"github.com/gymdock/gymdock/pkg/config"
	"github.com/sirupsen/logrus"
)

// This file exports dummy constructors for use by tests in other packages

// NewDummyLog creates a new dummy Log for testing
func NewDummyLog() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	return log.WithField("test", "test")
}

// NewDummyServerConfig creates a runnable config for testing
func NewDummyServerConfig() *config.ServerConfig {
	cfg := config.GetDefaultConfig()
	cfg.DockerImage = "worker:test"
	cfg.WorkerCommand = []string{"worker"}
	return &cfg
}

// NewDummyStreamPair returns a StreamConn wired to an in-memory pipe, plus
// the far end for a fake worker to serve
func NewDummyStreamPair() (*StreamConn, net.Conn) {
	near, far := net.Pipe()
	stream := NewStreamConn(NewDummyLog(), types.HijackedResponse{
		Conn:   near,
		Reader: bufio.NewReader(near),
	})
	return stream, far
}

// MuxFrame wraps a payload in a single attach stream frame, the way the
// daemon does when a container writes to stdout or stderr
func MuxFrame(kind StreamKind, payload string) []byte {
	frame := make([]byte, streamHeaderLen+len(payload))
	frame[streamFdIndex] = byte(kind)
	binary.BigEndian.PutUint32(frame[streamSizeIndex:streamHeaderLen], uint32(len(payload)))
	copy(frame[streamHeaderLen:], payload)
	return frame
}

// ServeWorker runs a scripted worker on the far end of a stream pair. Each
// newline-delimited JSON command is passed to the handler and the returned
// map is written back framed as container stdout. A nil response leaves the
// command unanswered, which is how tests simulate a hung worker. The loop
// exits when the pipe closes.
func ServeWorker(conn net.Conn, handler func(cmd map[string]interface{}) map[string]interface{}) {
	go func() {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}

			cmd := map[string]interface{}{}
			if err := json.Unmarshal(line, &cmd); err != nil {
				continue
			}

			resp := handler(cmd)
			if resp == nil {
				continue
			}

			payload, err := json.Marshal(resp)
			if err != nil {
				continue
			}

			if _, err := conn.Write(MuxFrame(Stdout, string(payload)+"\n")); err != nil {
				return
			}
		}
	}()
}

// OKWorkerHandler answers every command with a bare ok envelope
func OKWorkerHandler(cmd map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"status": "ok", "observation": "", "reward": 0.0, "done": false}
}
