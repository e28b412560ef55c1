package client

import "fmt"

// ConnectError reports a failure to resolve or reach the server.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed or short write to the server.
type SendError struct {
	What string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.What, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReadError reports a transport failure while waiting on the server. The
// session is over once it occurs.
type ReadError struct {
	What string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.What, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
