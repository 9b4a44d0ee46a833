package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/risa-org/gateway/retry"
	"github.com/risa-org/gateway/session"
)

// Reconnect causes, used as log fields and metric labels.
const (
	causeConnectFailed      = "connect_failed"
	causeHelloFailed        = "hello_failed"
	causeZombied            = "zombied"
	causeReconnectRequested = "reconnect_requested"
	causeInvalidSession     = "invalid_session"
	causeSessionRejected    = "session_rejected"
	causeRemoteClose        = "remote_close"
	causeTransport          = "transport"
	causeBadReady           = "bad_ready"
)

// outcome is how one physical connection ended.
type outcome struct {
	cause     string
	err       error
	fatal     error // ends the engine when set
	connected bool  // the connection reached Connected
}

// run is the engine loop: one iteration per physical connection.
func (e *Engine) run(ctx context.Context, q *eventQueue) {
	var err error
	defer func() {
		e.shutdown(ctx)
		q.close()
		e.finish(err)
	}()

	e.loadSession(ctx)

	backoff := e.cfg.Backoff
	backoff.Reset()
	failures := 0

	for {
		out := e.connect(ctx, q)
		if ctx.Err() != nil {
			return
		}
		if out.fatal != nil {
			err = out.fatal
			e.logger.Error("gateway stopped by fatal fault", zap.Error(err))
			return
		}

		if out.connected {
			backoff.Reset()
			failures = 0
		} else {
			failures++
		}
		if limit := e.cfg.MaxReconnectAttempts; limit > 0 && failures >= limit {
			err = fmt.Errorf("gateway: %w after %d attempts: %w", retry.ErrExhausted, failures, out.err)
			e.logger.Error("gateway giving up", zap.Int("attempts", failures), zap.Error(out.err))
			return
		}

		e.metrics.Reconnect(e.cfg.Identity.ShardID, out.cause)
		e.setState(session.Reconnecting)

		delay := backoff.Next()
		e.logger.Warn("reconnecting",
			zap.String("reason", out.cause),
			zap.Int("attempt", failures+1),
			zap.Duration("delay", delay),
			zap.Error(out.err))

		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// shutdown runs once the loop is done. The connection is already closed
// with the final code by then.
func (e *Engine) shutdown(ctx context.Context) {
	e.setState(session.ShuttingDown)

	e.mu.Lock()
	retain := e.stop.retain
	e.mu.Unlock()

	if retain {
		st := e.Session()
		e.persist(ctx, st)
		e.logger.Info("session retained", zap.Bool("resumable", st.Resumable()))
	} else {
		st := e.updateSession(func(s *session.State) { s.Clear() })
		e.persist(ctx, st)
	}

	e.setState(session.Offline)
}

// waitTimeout waits for done up to d and reports whether it closed.
func waitTimeout(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
