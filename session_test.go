// Copyright 2025 The River Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package river

import (
	"testing"
	"time"
)

func newTestSession(state StateKind) *Session {
	return &Session{
		id:      "sess-1",
		from:    "client",
		to:      "server",
		state:   state,
		options: DefaultSessionOptions(nil).withDefaults(),
	}
}

func TestConstructMsgIncrementsSeqAndBuffers(t *testing.T) {
	s := newTestSession(StateConnected)
	m1 := s.constructMsg([]byte(`"a"`), 0, "svc", "proc", "", nil)
	m2 := s.constructMsg([]byte(`"b"`), 0, "svc", "proc", "", nil)

	if m1.Seq != 0 || m2.Seq != 1 {
		t.Fatalf("seq = %d, %d; want 0, 1", m1.Seq, m2.Seq)
	}
	if s.seq != 2 {
		t.Fatalf("s.seq = %d, want 2", s.seq)
	}
	if len(s.sendBuffer) != 2 {
		t.Fatalf("sendBuffer len = %d, want 2", len(s.sendBuffer))
	}
}

func TestBuildMsgDoesNotIncrementOrBuffer(t *testing.T) {
	s := newTestSession(StateConnected)
	msg := s.buildMsg([]byte(`"a"`), 0, "svc", "proc", "", nil)
	if msg.Seq != 0 {
		t.Fatalf("Seq = %d, want 0", msg.Seq)
	}
	if s.seq != 0 {
		t.Fatalf("s.seq = %d, want unchanged 0", s.seq)
	}
	if len(s.sendBuffer) != 0 {
		t.Fatalf("sendBuffer should be empty before commit, got %d", len(s.sendBuffer))
	}
	s.commit(msg)
	if s.seq != 1 || len(s.sendBuffer) != 1 {
		t.Fatalf("after commit: seq=%d bufLen=%d, want 1, 1", s.seq, len(s.sendBuffer))
	}
}

func TestRawControlMsgBypassesSeqAck(t *testing.T) {
	s := newTestSession(StateHandshaking)
	s.seq = 5
	s.ack = 3
	msg := s.rawControlMsg([]byte(`{}`), nil)
	if msg.Seq != 0 || msg.Ack != 0 {
		t.Fatalf("handshake message should carry zeroed seq/ack, got seq=%d ack=%d", msg.Seq, msg.Ack)
	}
	if s.seq != 5 || len(s.sendBuffer) != 0 {
		t.Fatalf("rawControlMsg must not touch seq or sendBuffer")
	}
}

func TestDropAckedRemovesOnlyAcknowledged(t *testing.T) {
	s := newTestSession(StateConnected)
	for i := 0; i < 5; i++ {
		s.constructMsg([]byte(`"x"`), 0, "", "", "", nil)
	}
	s.dropAcked(3)
	if len(s.sendBuffer) != 2 {
		t.Fatalf("len(sendBuffer) = %d, want 2", len(s.sendBuffer))
	}
	for _, m := range s.sendBuffer {
		if m.Seq < 3 {
			t.Fatalf("found un-dropped acked message with seq %d", m.Seq)
		}
	}
}

func TestTransitionIntoMarksOldConsumedAndCarriesState(t *testing.T) {
	old := newTestSession(StateBackingOff)
	old.seq = 7
	old.ack = 4
	old.heartbeatActive = true
	old.metadata = []byte(`{"k":"v"}`)
	for i := 0; i < 3; i++ {
		old.sendBuffer = append(old.sendBuffer, &TransportMessage{Seq: uint32(i)})
	}

	next := transitionInto(old, StateConnecting)

	if !old.isConsumed() {
		t.Fatalf("old session should be consumed after transitionInto")
	}
	if next.isConsumed() {
		t.Fatalf("new session should not be consumed")
	}
	if next.state != StateConnecting {
		t.Fatalf("next.state = %v, want Connecting", next.state)
	}
	if next.seq != 7 || next.ack != 4 {
		t.Fatalf("seq/ack not carried forward: seq=%d ack=%d", next.seq, next.ack)
	}
	if len(next.sendBuffer) != 3 {
		t.Fatalf("sendBuffer not carried forward, len=%d", len(next.sendBuffer))
	}
	if !next.heartbeatActive {
		t.Fatalf("heartbeatActive not carried forward")
	}
	if string(next.metadata) != `{"k":"v"}` {
		t.Fatalf("metadata not carried forward: %q", next.metadata)
	}
	if next.id != old.id || next.from != old.from || next.to != old.to {
		t.Fatalf("identity fields not carried forward")
	}
}

func TestRequireLivePanicsOnConsumedHandle(t *testing.T) {
	s := newTestSession(StateConnected)
	s.consumed = true
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic calling snapshot on a consumed session")
		}
	}()
	s.snapshot()
}

func TestStopTimersLeavesGraceTimerArmed(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(StateBackingOff)
	s.options.Clock = clock
	fired := false
	now := clock.Now()
	armGraceTimer(clock, s, now, func(*Session) { fired = true })

	s.backoffTimer = clock.AfterFunc(time.Second, func() {})
	s.connectTimer = clock.AfterFunc(time.Second, func() {})

	s.stopTimers()

	if s.backoffTimer != nil || s.connectTimer != nil {
		t.Fatalf("stopTimers should nil out state-scoped timers")
	}
	if s.graceTimer == nil {
		t.Fatalf("stopTimers must not clear the grace timer")
	}

	clock.Advance(s.options.SessionDisconnectGrace)
	if !fired {
		t.Fatalf("grace timer should have fired after advancing past its deadline")
	}
}

func TestArmGraceTimerClearsDeadlineWhenConnected(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(StateConnected)
	s.options.Clock = clock
	s.graceDeadline = clock.Now().Add(time.Second)

	armGraceTimer(clock, s, clock.Now(), func(*Session) {
		t.Fatalf("grace callback must not fire for a Connected session")
	})

	if !s.graceDeadline.IsZero() {
		t.Fatalf("graceDeadline should be cleared on entering Connected")
	}
	if s.graceTimer != nil {
		t.Fatalf("Connected session should not carry a grace timer")
	}
}

func TestArmGraceTimerPreservesRemainingDeadlineAcrossTransitions(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(StateBackingOff)
	s.options.Clock = clock
	s.options.SessionDisconnectGrace = 10 * time.Second

	var elapsedAt time.Time
	armGraceTimer(clock, s, clock.Now(), func(*Session) { elapsedAt = clock.Now() })

	clock.Advance(6 * time.Second)

	next := transitionInto(s, StateConnecting)
	next.options.Clock = clock
	armGraceTimer(clock, next, clock.Now(), func(*Session) { elapsedAt = clock.Now() })

	clock.Advance(4 * time.Second)

	if elapsedAt.IsZero() {
		t.Fatalf("grace deadline should have elapsed after the carried-forward remaining time")
	}
	if got := elapsedAt.Sub(time.Unix(0, 0)); got != 10*time.Second {
		t.Fatalf("grace elapsed at %v after start, want 10s", got)
	}
}

func TestResetHeartbeatClearsMisses(t *testing.T) {
	s := newTestSession(StateConnected)
	s.heartbeatMisses = 4
	s.resetHeartbeat()
	if s.heartbeatMisses != 0 {
		t.Fatalf("heartbeatMisses = %d, want 0", s.heartbeatMisses)
	}
}
