package publish

import (
	"context"
	"time"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/core/observability"
)

// State is a step of one publish call.
type State string

const (
	StateIdle               State = "idle"
	StateCredentialAcquired State = "credential_acquired"
	StateWorkspaceEnsured   State = "workspace_ensured"
	StateStoreChecked       State = "store_availability_checked"
	StateAborted            State = "aborted"
	StateStoreCreated       State = "store_created"
	StateUploaded           State = "uploaded"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateAborted || s == StateDone || s == StateFailed
}

type Transition struct {
	Op        string
	Workspace string
	Layer     string
	From      State
	To        State
}

// run tracks one call through its states; it is owned by a single goroutine.
type run struct {
	w     *Workflow
	op    string
	kind  model.Kind
	ws    string
	layer string
	state State
	start time.Time
	ctx   context.Context
}

func (w *Workflow) begin(ctx context.Context, op string, kind model.Kind, ws, layer string) *run {
	return &run{
		w:     w,
		op:    op,
		kind:  kind,
		ws:    ws,
		layer: layer,
		state: StateIdle,
		start: time.Now(),
		ctx:   logCtx(ctx, ws, layer),
	}
}

func (r *run) advance(ctx context.Context, to State) {
	from := r.state
	r.state = to
	r.w.log.DebugContext(ctx, "publish transition", "op", r.op, "from", string(from), "to", string(to))
	if f := r.w.opts.OnTransition; f != nil {
		f(Transition{Op: r.op, Workspace: r.ws, Layer: r.layer, From: from, To: to})
	}
}

func (r *run) step(step, outcome string) {
	observability.IncPublishStep(string(r.kind), step, outcome)
}

// fail ends the run. A name collision aborts; everything else fails.
func (r *run) fail(ctx context.Context, e *Error) error {
	to := StateFailed
	if e.Kind == KindNameCollision {
		to = StateAborted
	}
	r.advance(ctx, to)
	observability.ObservePublish(string(r.kind), string(e.Kind), time.Since(r.start).Seconds())
	if to == StateAborted {
		r.w.log.InfoContext(ctx, "publish aborted", "op", r.op, "err", e)
	} else {
		r.w.log.ErrorContext(ctx, "publish failed", "op", r.op, "err", e)
	}
	return e
}

func (r *run) finish(ctx context.Context) {
	r.advance(ctx, StateDone)
	observability.ObservePublish(string(r.kind), "ok", time.Since(r.start).Seconds())
	r.w.log.InfoContext(ctx, "publish done", "op", r.op, "duration", time.Since(r.start))
}
