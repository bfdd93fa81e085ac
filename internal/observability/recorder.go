package observability

import (
	"time"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
)

// Recorder exports session engine events as Prometheus metrics labelled with
// the owning node.
type Recorder struct {
	node string
}

var _ session.Recorder = (*Recorder)(nil)

func NewRecorder(node string) *Recorder {
	RegisterMetrics()
	return &Recorder{node: node}
}

func (r *Recorder) RequestSubmitted(op protocol.Opcode) {
	clientSubmitted.WithLabelValues(r.node, op.String()).Inc()
}

func (r *Recorder) RequestResolved(op protocol.Opcode, result session.Result, elapsed time.Duration) {
	clientResolved.WithLabelValues(r.node, op.String(), string(result)).Observe(elapsed.Seconds())
}

func (r *Recorder) LateResponse() {
	clientLate.WithLabelValues(r.node).Inc()
}

func (r *Recorder) RequestServed(op protocol.Opcode, code protocol.ErrorCode, elapsed time.Duration) {
	label := "ok"
	if code != 0 {
		label = code.String()
	}
	serverServed.WithLabelValues(r.node, op.String(), label).Observe(elapsed.Seconds())
}

func (r *Recorder) ConnectionClosed(role session.Role, _ error) {
	connectionsClosed.WithLabelValues(r.node, string(role)).Inc()
}
