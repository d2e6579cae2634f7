package p2p

import (
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/AsynkronIT/protoactor-go/scheduler"
	"golang.org/x/time/rate"
)

// keepaliveRate caps how many keepalive frames housekeeping will emit per
// second across every channel, so a large registry can't turn a single
// housekeeping tick into a write storm the way an unbounded fan-out would.
const keepaliveRate = 64

// tickMessage is the mailbox message a tickerActor's Receive reacts to; its
// payload carries nothing, the tick itself is the signal.
type tickMessage struct{}

// tickerActor adapts a plain func() to protoactor-go's message-passing
// model: ScheduleEvery gives each periodic job its own single-actor mailbox
// instead of a raw goroutine+time.Ticker loop, the way the teacher drives
// its own background services through protoactor-go.Actor rather than ad
// hoc goroutines.
type tickerActor struct {
	fn func()
}

func (a *tickerActor) Receive(ctx actor.Context) {
	if _, ok := ctx.Message().(*tickMessage); ok {
		a.fn()
	}
}

// schedulerTimer is the default Timer collaborator.
type schedulerTimer struct {
	system *actor.ActorSystem
}

// NewSchedulerTimer returns the default Timer collaborator, backed by
// protoactor-go's actor system and scheduler package.
func NewSchedulerTimer() Timer {
	return &schedulerTimer{system: actor.NewActorSystem()}
}

func (t *schedulerTimer) ScheduleEvery(period time.Duration, fn func()) func() {
	props := actor.PropsFromProducer(func() actor.Actor { return &tickerActor{fn: fn} })
	pid := t.system.Root.Spawn(props)
	sched := scheduler.NewTimerScheduler(t.system.Root)
	job := sched.SendRepeatedly(period, period, pid, &tickMessage{})
	return func() {
		job.Stop()
		t.system.Root.Stop(pid)
	}
}

// startHousekeeping wires the three periodic jobs spec.md §4.6 requires:
// stale-channel purge, SYN-cookie expiry, and keepalive emission. The
// caller must already hold srv.mu.
func (srv *Server) startHousekeeping() {
	limiter := rate.NewLimiter(rate.Limit(keepaliveRate), keepaliveRate)

	// Each job ticks at half its tunable's period (spec §4.6: "Frequency:
	// keepalive_period / 2", "cookie_ttl / 2", "idle_timeout / 2"), so a
	// stale channel/cookie is never live for more than ~1.5x its budget
	// instead of ~2x.
	cancelPurge := srv.timer.ScheduleEvery(srv.IdleTimeout/2, func() {
		srv.registry.Purge(time.Now().Add(-srv.IdleTimeout))
		srv.attempts.Purge(time.Now().Add(-defaultDialTimeout))
	})
	cancelCookies := srv.timer.ScheduleEvery(srv.CookieTTL/2, func() {
		srv.cookies.Cleanup(time.Now().Add(-srv.CookieTTL))
	})
	cancelKeepalive := srv.timer.ScheduleEvery(srv.KeepalivePeriod/2, func() {
		srv.emitKeepalives(limiter)
	})

	srv.cancels = append(srv.cancels, cancelPurge, cancelCookies, cancelKeepalive)
}

// emitKeepalives sends a keepalive to every channel that has been idle for
// at least KeepalivePeriod, rate-limited so a large live set can't flood the
// event loop in a single tick (original_source's ongoing_keepalive walks the
// registry the same way, unthrottled, since its node runs a single
// connection pool per process rather than this module's injectable one).
func (srv *Server) emitKeepalives(limiter *rate.Limiter) {
	now := time.Now()
	for _, ch := range srv.registry.List() {
		if now.Sub(ch.LastPacketSent()) < srv.KeepalivePeriod {
			continue
		}
		if !limiter.Allow() {
			return
		}
		advertised := make([]Endpoint, 8)
		srv.registry.RandomFill(advertised)
		buf, err := srv.codec.EncodeKeepalive(advertised)
		if err != nil {
			continue
		}
		ch.Send(buf, CategoryKeepalive, func(err error, _ int) {
			if err != nil {
				srv.log.WithField("endpoint", ch.RemoteEndpoint()).WithField("err", err).Trace("keepalive send failed")
			}
		})
	}
}
