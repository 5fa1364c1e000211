// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapgather/snapgather-go/internal/common"
	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/metrics"
	"github.com/snapgather/snapgather-go/internal/protocol"
)

// SubState is a subscription's lifecycle state.
type SubState int

const (
	SubPending SubState = iota
	SubActive
	SubFailed
)

func (s SubState) String() string {
	switch s {
	case SubPending:
		return "pending"
	case SubActive:
		return "active"
	case SubFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// channel is the slice of Manager the Registry depends on.
type channel interface {
	Connect(ctx context.Context) error
	Send(protocol.Frame) error
}

// joinWait is one in-flight join shared by all concurrent Subscribe
// callers for the same room.
type joinWait struct {
	done chan struct{}
	err  error
}

// errJoinSuperseded aborts a pending join whose effect was canceled by
// a Switch away from the room.
var errJoinSuperseded = errors.New("join superseded by room switch")

// subscription is the registry's record for one room.
type subscription struct {
	roomID     string
	shareToken string
	state      SubState
	cursor     int

	// interest counts independent consumers; the room is left only when
	// it reaches zero.
	interest int

	wait    *joinWait
	limiter *rate.Limiter
}

// Registry tracks which rooms the client is a member of on top of the
// Manager's single connection. All membership mutations go through it.
type Registry struct {
	ch channel

	mu   sync.Mutex
	subs map[string]*subscription

	joinTimeout  time.Duration
	syncThrottle time.Duration
	now          func() time.Time
}

// Registry defaults.
const (
	DefaultJoinTimeout  = 10 * time.Second
	DefaultSyncThrottle = 500 * time.Millisecond
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithJoinTimeout overrides the bounded wait for a join ack.
func WithJoinTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.joinTimeout = d }
}

// WithSyncThrottle overrides the per-room position sync rate floor.
func WithSyncThrottle(d time.Duration) RegistryOption {
	return func(r *Registry) { r.syncThrottle = d }
}

// WithRegistryClock overrides the time source. Test hook.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry over ch. Wire lifecycle notifications
// with mgr.Observe(reg.OnLifecycle).
func NewRegistry(ch channel, opts ...RegistryOption) *Registry {
	r := &Registry{
		ch:           ch,
		subs:         make(map[string]*subscription),
		joinTimeout:  DefaultJoinTimeout,
		syncThrottle: DefaultSyncThrottle,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe expresses interest in a room. The first caller sends the
// join and awaits the server ack within the join timeout; concurrent
// callers for the same room share that one join. Callers for an already
// active room resolve immediately. A caller counts toward the room's
// interest only when its call succeeds: interest granted up front is
// released again on failure, so retrying Subscribe never inflates the
// count.
func (r *Registry) Subscribe(ctx context.Context, roomID, shareToken string) error {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if ok {
		sub.interest++
		switch {
		case sub.state == SubActive:
			r.mu.Unlock()
			return nil
		case sub.state == SubPending && sub.wait != nil:
			w := sub.wait
			r.mu.Unlock()
			if err := r.await(ctx, roomID, w); err != nil {
				r.releaseInterest(roomID, 1)
				return err
			}
			return nil
		}
		// Failed, or pending with no join underway (connection drop
		// mid-join): start a fresh join below.
	} else {
		sub = &subscription{
			roomID:     roomID,
			shareToken: shareToken,
			interest:   1,
			limiter:    rate.NewLimiter(rate.Every(r.syncThrottle), 1),
		}
		r.subs[roomID] = sub
	}
	w := r.startJoinLocked(sub)
	r.mu.Unlock()

	if err := r.performJoin(ctx, roomID, w); err != nil {
		r.releaseInterest(roomID, 1)
		return err
	}
	return nil
}

// Unsubscribe withdraws one consumer's interest. The leave message is
// sent only when the last interested consumer is gone; unknown rooms
// are a no-op.
func (r *Registry) Unsubscribe(roomID string) {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.interest--
	if sub.interest > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.subs, roomID)
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.sendLeave(roomID)
	logging.Info().Str("room", roomID).Msg("unsubscribed")
}

// Switch atomically replaces membership in one room with another, the
// primary navigation operation. Any join still pending for the old room
// is canceled: its waiters fail and a late ack for it is ignored. The
// new room is joined first and the old one left only on success, so a
// failed switch leaves the old membership intact.
func (r *Registry) Switch(ctx context.Context, oldRoomID, newRoomID, shareToken string) error {
	if oldRoomID == newRoomID {
		return r.Subscribe(ctx, newRoomID, shareToken)
	}

	r.mu.Lock()
	carried := 1
	old, hadOld := r.subs[oldRoomID]
	if hadOld {
		carried = max(old.interest, 1)
		if old.wait != nil {
			// Cancel the old room's pending join: its waiters fail and
			// a late ack finds no wait to resolve. An active old
			// membership stays untouched until the new join succeeds.
			old.wait.err = errJoinSuperseded
			close(old.wait.done)
			old.wait = nil
			old.state = SubFailed
		}
	}

	sub, ok := r.subs[newRoomID]
	if ok {
		sub.interest += carried
		if sub.state == SubActive {
			r.removeLocked(oldRoomID, hadOld)
			r.mu.Unlock()
			if hadOld {
				r.sendLeave(oldRoomID)
			}
			return nil
		}
	} else {
		sub = &subscription{
			roomID:     newRoomID,
			shareToken: shareToken,
			interest:   carried,
			limiter:    rate.NewLimiter(rate.Every(r.syncThrottle), 1),
		}
		r.subs[newRoomID] = sub
	}
	w := r.startJoinLocked(sub)
	r.mu.Unlock()

	if err := r.performJoin(ctx, newRoomID, w); err != nil {
		// The old membership was kept; the carried consumers stay
		// counted there, not on the room that failed to join.
		r.releaseInterest(newRoomID, carried)
		return err
	}

	r.mu.Lock()
	r.removeLocked(oldRoomID, hadOld)
	r.mu.Unlock()
	if hadOld {
		r.sendLeave(oldRoomID)
	}
	logging.Info().Str("from", oldRoomID).Str("to", newRoomID).Msg("switched room")
	return nil
}

// Retry re-attempts the join for a room whose subscription failed.
func (r *Registry) Retry(ctx context.Context, roomID string) error {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("room %s: no subscription to retry", roomID)
	}
	if sub.state == SubActive {
		r.mu.Unlock()
		return nil
	}
	if sub.state == SubPending && sub.wait != nil {
		w := sub.wait
		r.mu.Unlock()
		return r.await(ctx, roomID, w)
	}
	w := r.startJoinLocked(sub)
	r.mu.Unlock()

	return r.performJoin(ctx, roomID, w)
}

// SyncCursor records the client's position in a room and broadcasts it
// at most once per throttle interval. Suppressed sends are not queued;
// the latest position travels with the next allowed send.
func (r *Registry) SyncCursor(roomID string, cursor int) error {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if !ok || sub.state != SubActive {
		r.mu.Unlock()
		return fmt.Errorf("room %s: not subscribed", roomID)
	}
	sub.cursor = cursor
	lim := sub.limiter
	r.mu.Unlock()

	if !lim.Allow() {
		return nil
	}
	frame, err := protocol.NewFrame(protocol.TypeSyncPosition, protocol.SyncPosition{
		RoomID:    roomID,
		Cursor:    cursor,
		Timestamp: r.now(),
	})
	if err != nil {
		return err
	}
	return r.ch.Send(frame)
}

// SendWallControl sends a display-control command for a room.
func (r *Registry) SendWallControl(roomID, action string, payload map[string]any) error {
	frame, err := protocol.NewFrame(protocol.TypeWallControl, protocol.WallControl{
		RoomID:  roomID,
		Action:  action,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return r.ch.Send(frame)
}

// IsSubscribed reports whether the room's membership is active.
func (r *Registry) IsSubscribed(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[roomID]
	return ok && sub.state == SubActive
}

// Interest returns the room's consumer count, zero if unknown.
func (r *Registry) Interest(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[roomID]; ok {
		return sub.interest
	}
	return 0
}

// Rooms lists tracked rooms in sorted order.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OnLifecycle reacts to connection lifecycle notifications. Register it
// with Manager.Observe before connecting.
func (r *Registry) OnLifecycle(ev LifecycleEvent) {
	switch ev.Kind {
	case LifecycleAuthenticated:
		go r.rejoinAll()
	case LifecycleDisconnected:
		if ev.ClientInitiated {
			r.clearAll()
			return
		}
		r.suspendAll()
	}
}

// HandleFrame consumes membership control frames. Returns true when the
// frame was a control frame, whether or not it matched a subscription.
func (r *Registry) HandleFrame(frame protocol.Frame) bool {
	switch frame.Type {
	case protocol.TypeRoomJoined:
		var rj protocol.RoomJoined
		if err := frame.Decode(&rj); err != nil {
			logging.Warn().Err(err).Msg("malformed room-joined frame")
			return true
		}
		r.completeJoin(rj.RoomID, nil)
		return true
	case protocol.TypeError:
		var ef protocol.ErrorFrame
		if err := frame.Decode(&ef); err != nil || ef.RoomID == "" {
			return false
		}
		if ef.Code == protocol.CodeRoomNotFound {
			r.completeJoin(ef.RoomID, fmt.Errorf("room %s: %s", ef.RoomID, ef.Message))
			return true
		}
		return false
	default:
		return false
	}
}

// startJoinLocked marks sub pending with a fresh wait. Caller holds mu
// and then calls performJoin with the returned wait.
func (r *Registry) startJoinLocked(sub *subscription) *joinWait {
	sub.state = SubPending
	sub.wait = &joinWait{done: make(chan struct{})}
	return sub.wait
}

// releaseInterest returns interest granted to callers whose join did
// not succeed. The record itself is kept for Retry.
func (r *Registry) releaseInterest(roomID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[roomID]
	if !ok {
		return
	}
	sub.interest -= n
	if sub.interest < 0 {
		sub.interest = 0
	}
}

// performJoin ensures the connection, sends the join message, and
// awaits the ack for the wait created by startJoinLocked.
func (r *Registry) performJoin(ctx context.Context, roomID string, w *joinWait) error {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	var shareToken string
	var cursor int
	if ok {
		shareToken = sub.shareToken
		cursor = sub.cursor
	}
	r.mu.Unlock()
	if !ok {
		return errJoinSuperseded
	}

	if err := r.ch.Connect(ctx); err != nil {
		r.failJoin(roomID, w, err)
		return err
	}

	frame, err := protocol.NewFrame(protocol.TypeJoinRoom, protocol.JoinRoom{
		RoomID:     roomID,
		ShareToken: shareToken,
		Cursor:     cursor,
	})
	if err != nil {
		r.failJoin(roomID, w, err)
		return err
	}
	if err := r.ch.Send(frame); err != nil {
		r.failJoin(roomID, w, err)
		return err
	}

	return r.await(ctx, roomID, w)
}

// await blocks on a join ack with the bounded timeout.
func (r *Registry) await(ctx context.Context, roomID string, w *joinWait) error {
	timer := time.NewTimer(r.joinTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.err
	case <-timer.C:
		err := fmt.Errorf("%w: room %s", common.ErrSubscriptionTimeout, roomID)
		r.failJoin(roomID, w, err)
		// The wait may have resolved in the race with failJoin.
		select {
		case <-w.done:
			return w.err
		default:
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// completeJoin resolves the room's current join wait.
func (r *Registry) completeJoin(roomID string, joinErr error) {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if !ok || sub.wait == nil {
		// Late ack for a canceled or unknown join.
		r.mu.Unlock()
		return
	}
	w := sub.wait
	sub.wait = nil
	if joinErr != nil {
		sub.state = SubFailed
		metrics.SubscriptionFailures.Inc()
	} else {
		sub.state = SubActive
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	w.err = joinErr
	close(w.done)

	if joinErr != nil {
		logging.Warn().Err(joinErr).Str("room", roomID).Msg("room join failed")
	} else {
		logging.Info().Str("room", roomID).Msg("room joined")
	}
}

// failJoin marks the room's join failed if w is still its current wait.
func (r *Registry) failJoin(roomID string, w *joinWait, joinErr error) {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if !ok || sub.wait != w {
		r.mu.Unlock()
		return
	}
	sub.wait = nil
	sub.state = SubFailed
	metrics.SubscriptionFailures.Inc()
	r.updateGaugeLocked()
	r.mu.Unlock()

	w.err = joinErr
	close(w.done)
}

// rejoinAll re-establishes membership for every tracked room after the
// connection is re-authenticated, resuming from the last known cursor.
func (r *Registry) rejoinAll() {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.subs))
	for id, sub := range r.subs {
		if sub.state == SubActive || sub.state == SubPending {
			rooms = append(rooms, id)
		}
	}
	r.mu.Unlock()

	for _, roomID := range rooms {
		r.mu.Lock()
		sub, ok := r.subs[roomID]
		if !ok || sub.wait != nil {
			r.mu.Unlock()
			continue
		}
		w := r.startJoinLocked(sub)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.joinTimeout)
		if err := r.performJoin(ctx, roomID, w); err != nil {
			logging.Warn().Err(err).Str("room", roomID).Msg("rejoin after reconnect failed")
		}
		cancel()
	}
}

// suspendAll downgrades memberships after an unexpected drop; they are
// rejoined once the connection is re-authenticated.
func (r *Registry) suspendAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.state == SubActive {
			sub.state = SubPending
		}
		if sub.wait != nil {
			sub.wait.err = common.ErrNotConnected
			close(sub.wait.done)
			sub.wait = nil
		}
	}
	r.updateGaugeLocked()
}

// clearAll forgets every subscription after a client-initiated
// disconnect.
func (r *Registry) clearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]*subscription)
	r.updateGaugeLocked()
}

// removeLocked drops a room from the registry. Caller holds mu.
func (r *Registry) removeLocked(roomID string, present bool) {
	if !present {
		return
	}
	delete(r.subs, roomID)
	r.updateGaugeLocked()
}

// sendLeave sends the leave message, best effort.
func (r *Registry) sendLeave(roomID string) {
	frame, err := protocol.NewFrame(protocol.TypeLeaveRoom, protocol.LeaveRoom{RoomID: roomID})
	if err == nil {
		err = r.ch.Send(frame)
	}
	if err != nil && !errors.Is(err, common.ErrNotConnected) {
		logging.Debug().Err(err).Str("room", roomID).Msg("leave not delivered")
	}
}

// updateGaugeLocked refreshes the active-subscription gauge. Caller
// holds mu.
func (r *Registry) updateGaugeLocked() {
	n := 0
	for _, sub := range r.subs {
		if sub.state == SubActive {
			n++
		}
	}
	metrics.SubscriptionsActive.Set(float64(n))
}
