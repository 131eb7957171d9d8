package core

import "time"

const (
	DefaultTypingIdle    = 3 * time.Second
	DefaultTypingRefresh = 2 * time.Second
)

// typingSender debounces the local user's typing signal. It emits on
// transitions, re-emits "typing" at most once per refresh interval while the
// user keeps typing, and emits "stopped" after idle without input.
// Like Roster, its idle timer reports back through onIdle with a token.
type typingSender struct {
	idle    time.Duration
	refresh time.Duration
	send    func(isTyping bool)
	onIdle  func(token uint64)
	now     func() time.Time

	active   bool
	lastSent time.Time
	timer    *time.Timer
	token    uint64
}

func newTypingSender(idle, refresh time.Duration, send func(bool), onIdle func(uint64)) *typingSender {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if refresh <= 0 {
		refresh = DefaultTypingRefresh
	}
	return &typingSender{
		idle:    idle,
		refresh: refresh,
		send:    send,
		onIdle:  onIdle,
		now:     time.Now,
	}
}

func (s *typingSender) Set(typing bool) {
	if !typing {
		s.stopTimer()
		if s.active {
			s.active = false
			s.send(false)
		}
		return
	}

	now := s.now()
	if !s.active || now.Sub(s.lastSent) >= s.refresh {
		s.active = true
		s.lastSent = now
		s.send(true)
	}
	s.stopTimer()
	s.token++
	token := s.token
	s.timer = time.AfterFunc(s.idle, func() {
		s.onIdle(token)
	})
}

// Idle is called when the idle timer identified by token fires.
func (s *typingSender) Idle(token uint64) {
	if token != s.token || !s.active {
		return
	}
	s.timer = nil
	s.active = false
	s.send(false)
}

func (s *typingSender) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *typingSender) Stop() {
	s.stopTimer()
	s.active = false
}
