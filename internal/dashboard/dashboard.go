// Package dashboard aggregates bus events into a live Stats snapshot and a
// bounded rolling log. It renders nothing itself; it is an observer the
// same way a terminal UI or an HTTP status page would be, minus the
// terminal.
package dashboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devvaansh/sv2-jdc/internal/bus"
	"github.com/devvaansh/sv2-jdc/internal/events"

	"go.uber.org/zap"
)

const maxLogLines = 1000

// Stats mirrors the counters a terminal dashboard would render.
type Stats struct {
	NodeUp       bool
	PoolUp       bool
	HandshakeOk  bool
	Height       uint64
	Templates    uint64
	Declared     uint64
	Accepted     uint64
	Rejected     uint64
	Fees         uint64
	Uptime       time.Duration
}

// Dashboard is a passive bus subscriber: it has no write path back into
// the protocol and exits only when its context is cancelled.
type Dashboard struct {
	logger  *zap.Logger
	started time.Time

	mu   sync.Mutex
	st   Stats
	logs []string
}

// New creates a Dashboard. Call Run to begin consuming events.
func New(logger *zap.Logger) *Dashboard {
	return &Dashboard{
		logger:  logger.Named("dashboard"),
		started: time.Now(),
	}
}

// Snapshot returns a copy of the current stats.
func (d *Dashboard) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.st
	st.Uptime = time.Since(d.started)
	return st
}

// onEvent updates Stats and the rolling log from one bus event.
//
// Fees accumulate across templates rather than being replaced by the
// current template's fee total. This is a display quirk inherited from
// the source, not a bug to fix here.
func (d *Dashboard) onEvent(ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Kind {
	case events.NodeUp:
		d.st.NodeUp = true
		d.log("node connected")
	case events.NodeDown:
		d.st.NodeUp = false
		d.log("node disconnected")
	case events.NewTemplate:
		d.st.Height = ev.Height
		d.st.Templates++
		d.st.Fees += ev.Fees
		d.log(fmt.Sprintf("template: height=%d txs=%d fees=%d", ev.Height, ev.Txs, ev.Fees))
	case events.PoolUp:
		d.st.PoolUp = true
		d.log("pool connected")
	case events.PoolDown:
		d.st.PoolUp = false
		d.st.HandshakeOk = false
		d.log("pool disconnected")
	case events.HandshakeDone:
		d.st.HandshakeOk = true
		d.log("encrypted channel ready")
	case events.JobSent:
		d.st.Declared++
		d.log(fmt.Sprintf("job sent: tpl_id=%d txs=%d", ev.TplID, ev.Txs))
	case events.JobOk:
		d.st.Accepted++
		d.log(fmt.Sprintf("job accepted: tpl_id=%d", ev.TplID))
	case events.JobFailed:
		d.st.Rejected++
		d.log(fmt.Sprintf("job rejected: tpl_id=%d reason=%s", ev.TplID, ev.Message))
	case events.Err, events.HandshakeErr, events.TemplateErr:
		d.log(fmt.Sprintf("error: %s", ev.Message))
	}
}

func (d *Dashboard) log(msg string) {
	ts := time.Now().Format("15:04:05")
	d.logs = append(d.logs, fmt.Sprintf("[%s] %s", ts, msg))
	if len(d.logs) > maxLogLines {
		d.logs = d.logs[len(d.logs)-maxLogLines:]
	}
	d.logger.Info(msg)
}

// Logs returns a copy of the current rolling log, oldest first.
func (d *Dashboard) Logs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.logs))
	copy(out, d.logs)
	return out
}

// Run consumes events from the bus until ctx is cancelled or the user
// requests exit is signalled externally (the core has no interactive
// surface; an enclosing CLI layer owns that decision).
func (d *Dashboard) Run(ctx context.Context, b *bus.Bus) error {
	sub := b.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			d.onEvent(ev)
		}
	}
}
