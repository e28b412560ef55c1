package protocol

import "fmt"

// State is the lifecycle position of one connection's session.
type State int

const (
	AwaitingRequest State = iota
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting_request"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session tracks one connection's progress through the protocol. It is owned
// by a single goroutine and is not safe for concurrent use.
type Session struct {
	state     State
	request   Request
	completed uint
	reason    string
}

// NewSession returns a session awaiting its request.
func NewSession() *Session {
	return &Session{state: AwaitingRequest}
}

func (s *Session) State() State      { return s.state }
func (s *Session) Request() Request  { return s.request }
func (s *Session) Completed() uint   { return s.completed }
func (s *Session) EndReason() string { return s.reason }

// Start records the parsed request and moves the session to Running.
func (s *Session) Start(req Request) error {
	if s.state != AwaitingRequest {
		return fmt.Errorf("start session: already %s", s.state)
	}
	s.request = req
	s.state = Running
	return nil
}

// More reports whether another iteration is due.
func (s *Session) More() bool {
	return s.state == Running && s.completed < s.request.Count
}

// Advance marks the current iteration as delivered.
func (s *Session) Advance() error {
	if !s.More() {
		return fmt.Errorf("advance session: %s after %d of %d iterations", s.state, s.completed, s.request.Count)
	}
	s.completed++
	return nil
}

// Terminate ends the session. Only the first reason is kept; later calls are
// no-ops so a repeated RCEND is harmless.
func (s *Session) Terminate(reason string) {
	if s.state == Terminated {
		return
	}
	s.state = Terminated
	s.reason = reason
}
