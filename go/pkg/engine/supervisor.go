package engine

import (
	"context"
	"fmt"

	"marketdata-engine/go/pkg/feed"
	"marketdata-engine/go/pkg/shared"
)

// supervise keeps one slot connected until ctx ends: connect, pump events,
// record the failure, back off and retry. A slot that runs out of attempts
// parks until ResetSlot re-arms it.
func (e *Engine) supervise(ctx context.Context, slot int, sess feed.Session) {
	defer e.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		err := e.runSession(ctx, slot, sess)
		if ctx.Err() != nil {
			return
		}
		e.OnDisconnect(slot, err)

		if !e.rc.ShouldReconnect(slot) {
			st := e.rc.State(slot)
			e.m.connEvents.WithLabelValues("exhausted").Inc()
			e.log.Errorf("[engine] slot %d gave up after %d attempts, manual intervention required: %s", slot, st.Attempts, st.LastError)
			select {
			case <-ctx.Done():
				return
			case <-e.resets[slot]:
				e.log.Printf("[engine] slot %d re-armed", slot)
			}
		}
		if err := e.rc.Wait(ctx, slot); err != nil {
			return
		}
		e.m.connEvents.WithLabelValues("reconnect").Inc()
	}
}

// runSession connects once and pumps events until the session drops or ctx
// ends. A panic anywhere below counts as a connection failure.
func (e *Engine) runSession(ctx context.Context, slot int, sess feed.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.m.connEvents.WithLabelValues("panic").Inc()
			_ = sess.Disconnect()
			err = fmt.Errorf("slot %d panic: %v: %w", slot, r, shared.ErrConnectionFailed)
		}
	}()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	e.OnConnected(slot, sess)

	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			_ = sess.Disconnect()
			return nil
		case ev := <-events:
			switch ev.Kind {
			case feed.EventTick:
				ev.Tick.Slot = slot
				_ = e.OnTick(ev.Tick)
			case feed.EventRaw:
				_ = e.OnRawTick(slot, ev.Raw)
			case feed.EventDisconnect:
				if ev.Err == nil {
					return fmt.Errorf("slot %d closed: %w", slot, shared.ErrConnectionFailed)
				}
				return ev.Err
			}
		}
	}
}
