package core

import "errors"

// ErrBackpressure is returned by TrySend when the send queue is full.
var ErrBackpressure = errors.New("backpressure")

// Frame is a raw serialized envelope.
type Frame []byte

// SignalConnection abstracts the realtime messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
