package wire

import (
	"fmt"
	"io"
	"sync"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
)

// Stream parses a byte-duplex into framed Messages and serializes Messages
// back onto it, per spec.md §4.1. It knows nothing about routing; the
// Broker drives Receive/Transmit when the underlying fd is ready, and the
// Router supplies the OnMessage/OnDisconnect callbacks.
type Stream struct {
	Name string

	rw  io.ReadWriteCloser
	log definition.Logger

	mu      sync.Mutex
	recvBuf []byte

	sendMu    sync.Mutex
	sendQueue [][]byte
	sendOff   int

	OnMessage    func(Message)
	OnDisconnect func(error)

	// OnWritable is invoked (off the caller's goroutine is fine; it must be
	// non-blocking) every time Enqueue hands the stream new data, so a
	// broker-owned writer goroutine blocked waiting for work can wake up.
	OnWritable func()

	closeOnce sync.Once
}

// NewStream wraps rw, ready to have Receive/Transmit driven by a Broker.
func NewStream(name string, rw io.ReadWriteCloser, log definition.Logger) *Stream {
	return &Stream{Name: name, rw: rw, log: log}
}

// HasPending reports whether the transmit queue still holds unwritten bytes;
// the Broker uses this to decide whether to keep the fd in the write set.
func (s *Stream) HasPending() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return len(s.sendQueue) > 0
}

// Enqueue appends an already-encoded frame to the transmit FIFO.
func (s *Stream) Enqueue(frame []byte) {
	s.sendMu.Lock()
	s.sendQueue = append(s.sendQueue, frame)
	s.sendMu.Unlock()
	if s.OnWritable != nil {
		s.OnWritable()
	}
}

// Send encodes msg and enqueues it.
func (s *Stream) Send(msg Message) {
	s.Enqueue(msg.Encode())
}

// Receive reads up to ChunkSize bytes and parses as many complete messages
// as are now buffered, invoking OnMessage for each. Partial messages stay
// buffered for the next call. A zero-byte read or a read error triggers
// disconnect.
func (s *Stream) Receive() error {
	chunk := make([]byte, ChunkSize)
	n, err := s.rw.Read(chunk)
	if n > 0 {
		s.mu.Lock()
		s.recvBuf = append(s.recvBuf, chunk[:n]...)
		s.mu.Unlock()
		if perr := s.drainMessages(); perr != nil {
			s.disconnect(perr)
			return perr
		}
	}
	if err != nil {
		s.disconnect(err)
		return err
	}
	if n == 0 {
		s.disconnect(io.EOF)
		return io.EOF
	}
	return nil
}

func (s *Stream) drainMessages() error {
	for {
		s.mu.Lock()
		if len(s.recvBuf) < HeaderSize {
			s.mu.Unlock()
			return nil
		}
		dst, src, handle, replyTo, length, err := DecodeHeader(s.recvBuf)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		total := HeaderSize + int(length)
		if len(s.recvBuf) < total {
			s.mu.Unlock()
			return nil
		}
		payload := make([]byte, length)
		copy(payload, s.recvBuf[HeaderSize:total])
		s.recvBuf = append([]byte(nil), s.recvBuf[total:]...)
		s.mu.Unlock()

		msg := Message{DstID: dst, SrcID: src, Handle: handle, ReplyTo: replyTo, Payload: payload}
		if s.OnMessage != nil {
			s.OnMessage(msg)
		}
	}
}

// Transmit writes at most ChunkSize bytes of the head frame. A short write
// re-heads the remainder for the next call; once a frame is fully written
// it is popped from the queue.
func (s *Stream) Transmit() error {
	s.sendMu.Lock()
	if len(s.sendQueue) == 0 {
		s.sendMu.Unlock()
		return nil
	}
	head := s.sendQueue[0]
	remaining := head[s.sendOff:]
	toWrite := remaining
	if len(toWrite) > ChunkSize {
		toWrite = toWrite[:ChunkSize]
	}
	s.sendMu.Unlock()

	n, err := s.rw.Write(toWrite)
	if err != nil {
		s.disconnect(err)
		return err
	}

	s.sendMu.Lock()
	s.sendOff += n
	if s.sendOff >= len(s.sendQueue[0]) {
		s.sendQueue = s.sendQueue[1:]
		s.sendOff = 0
	}
	s.sendMu.Unlock()
	return nil
}

func (s *Stream) disconnect(cause error) {
	s.closeOnce.Do(func() {
		_ = s.rw.Close()
		if s.log != nil {
			s.log.Debugf("stream %s disconnected: %v", s.Name, cause)
		}
		if s.OnDisconnect != nil {
			s.OnDisconnect(cause)
		}
	})
}

// Close disconnects the stream from the local side, as if the wire had
// failed, so the Broker/Router tear-down path runs uniformly.
func (s *Stream) Close() {
	s.disconnect(fmt.Errorf("stream closed locally"))
}
