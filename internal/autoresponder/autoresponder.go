// Package autoresponder implements the auto-responder policy from spec
// §4.6: on an ordinary confirmation prompt, inject the profile's reply
// automatically; on a dangerous confirmation, never do so, leaving it to
// the human at the keyboard. Injection frequency is capped with
// golang.org/x/time/rate so a misclassified, rapidly-repeating prompt
// can't be hammered.
package autoresponder

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/loopkeep/agentkeep/internal/matchengine"
	"github.com/loopkeep/agentkeep/internal/profile"
)

// Writer is the narrow interface the responder needs to carry a reply to
// the child's stdin; the supervisor passes an adapter over the input mux.
type Writer interface {
	Write(p []byte) error
}

// Acker is notified after a reply is injected, so the match engine can
// advance AwaitingConfirmation->Working without waiting on the debounce
// window (matchengine.Engine.MarkReplySent satisfies this).
type Acker interface {
	MarkReplySent()
}

// Responder watches match-engine transitions and answers non-dangerous
// confirmations on the profile's behalf.
type Responder struct {
	profile *profile.Profile
	engine  *matchengine.Engine
	writer  Writer
	acker   Acker
	log     *slog.Logger

	enabled bool
	limiter *rate.Limiter
}

// New builds a Responder. enabled corresponds to the session's autoYes
// setting (spec §4.6); when false, Handle only logs what it would have
// done. limit bounds injections per second, burst the largest batch
// allowed at once — both are deliberately generous since a well-behaved
// session sees at most a handful of confirmations in its lifetime.
func New(p *profile.Profile, engine *matchengine.Engine, w Writer, acker Acker, log *slog.Logger, enabled bool, limit rate.Limit, burst int) *Responder {
	if limit <= 0 {
		limit = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Responder{
		profile: p,
		engine:  engine,
		writer:  w,
		acker:   acker,
		log:     log,
		enabled: enabled,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Handle is the callback a supervisor wires to matchengine.New's
// onTransition parameter. It answers every transition into
// AwaitingConfirmation and ignores every other transition, including
// AwaitingDangerousConfirmation (spec §4.6, "dangerous confirmations are
// never auto-answered").
func (r *Responder) Handle(tx matchengine.Transition) {
	if tx.To != matchengine.AwaitingConfirmation {
		return
	}
	if !r.enabled {
		r.log.Debug("auto-responder suppressed (autoYes=false)", "from", tx.From.String())
		return
	}
	if !r.limiter.Allow() {
		r.log.Warn("auto-responder rate limit exceeded, not replying")
		return
	}

	reply := r.profile.ReplyFor(r.engine.TailText())
	if err := r.writer.Write(reply); err != nil {
		r.log.Warn("auto-responder write failed", "error", err)
		return
	}
	r.log.Info("auto-responder replied to confirmation", "bytes", len(reply))
	if r.acker != nil {
		r.acker.MarkReplySent()
	}
}

// Wait blocks until the limiter would allow another injection, or ctx is
// done. Unused by the default per-transition Handle flow (which only
// ever needs Allow, not a blocking wait) but kept for a future batched
// responder that replies to several queued confirmations at once.
func (r *Responder) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// DefaultRate is the injection cap used when the supervisor doesn't
// override it: one reply per two seconds, burst of one.
const DefaultRate = rate.Limit(1.0 / 2.0)

// DefaultBurst is the default burst size paired with DefaultRate.
const DefaultBurst = 1
