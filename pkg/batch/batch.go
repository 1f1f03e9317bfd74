package batch

import (
	"context"
	"time"

	"github.com/gymdock/gymdock/pkg/config"
	"github.com/gymdock/gymdock/pkg/metrics"
	"github.com/gymdock/gymdock/pkg/session"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// Batcher coalesces step requests into short windows. Agent swarms tend to
// step in lockstep, so requests that arrive within one window are dispatched
// together, each against its own session, instead of dribbling out one
// goroutine at a time.
type Batcher struct {
	Log    *logrus.Entry
	Config *config.ServerConfig

	mutex   deadlock.Mutex
	pending []*pendingStep
	armed   bool
}

type pendingStep struct {
	sess   *session.Session
	action string
	result chan stepResult
}

type stepResult struct {
	resp map[string]interface{}
	err  error
}

// NewBatcher builds a batcher. The window length comes from the config and
// may be zero, which dispatches each batch on the next timer tick.
func NewBatcher(log *logrus.Entry, cfg *config.ServerConfig) *Batcher {
	return &Batcher{
		Log:    log,
		Config: cfg,
	}
}

// SubmitStep queues one step and blocks until its worker replies or the
// request context ends. The first submit of a window arms the dispatch
// timer; later submits in the same window just join the batch.
func (b *Batcher) SubmitStep(ctx context.Context, sess *session.Session, action string) (map[string]interface{}, error) {
	req := &pendingStep{
		sess:   sess,
		action: action,
		result: make(chan stepResult, 1),
	}

	b.mutex.Lock()
	b.pending = append(b.pending, req)
	if !b.armed {
		b.armed = true
		time.AfterFunc(b.Config.BatchWindow(), b.drain)
	}
	b.mutex.Unlock()

	select {
	case res := <-req.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain dispatches everything collected during the window. Each request
// steps its own session concurrently; requests that share a session are
// serialized by the session's own exchange lock.
func (b *Batcher) drain() {
	b.mutex.Lock()
	batch := b.pending
	b.pending = nil
	b.armed = false
	b.mutex.Unlock()

	if len(batch) == 0 {
		return
	}

	metrics.BatchSize.Observe(float64(len(batch)))
	b.Log.WithField("batch_size", len(batch)).Debug("Dispatching step batch")

	timeout := b.Config.CommandTimeout()
	for _, req := range batch {
		go func(req *pendingStep) {
			resp, err := req.sess.Step(req.action, timeout)

			status, _ := resp["status"].(string)
			if status == "" {
				status = "error"
			}
			metrics.StepsTotal.WithLabelValues(status).Inc()

			// buffered: the waiter may already have given up
			req.result <- stepResult{resp: resp, err: err}
		}(req)
	}
}
