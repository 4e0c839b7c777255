/*Package framestore provides a fixed size circular pool of frame buffers.

Frame N lives in slot N % capacity.  A writer asks for the buffer of frame N
with Buffer, fills it, and calls Publish, which notifies the registered
consumers in order.  Readers look frames up by index with Frame; a frame that
has been overwritten by a later one reports ErrEvicted.

*/
package framestore

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotReady is returned when a frame has not been published yet
	ErrNotReady = errors.New("frame not yet published to the store")

	// ErrEvicted is returned when a frame has been overwritten by a later frame
	ErrEvicted = errors.New("frame has been evicted from the store")
)

// Frame is a published frame handed to consumers.  Data aliases the store's
// slot and is only valid until the slot is reused; copy it to keep it.
type Frame struct {
	Index int
	Data  []uint32
}

// Consumer is notified once per published frame.  Returning false asks the
// producer to stop publishing for the rest of the session.
type Consumer func(Frame) bool

// Pool is the circular buffer pool
type Pool struct {
	mu sync.RWMutex

	// frameLen is the number of elements per frame
	frameLen int

	bufs [][]uint32

	// held is the frame index resident in each slot, -1 for none
	held []int

	consumers []Consumer
}

// New creates a pool of capacity buffers of frameLen elements each
func New(capacity, frameLen int) *Pool {
	p := &Pool{}
	p.Resize(capacity, frameLen)
	return p
}

// Resize reallocates the pool.  All frames are dropped, consumers are kept.
func (p *Pool) Resize(capacity, frameLen int) {
	if capacity < 1 {
		capacity = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameLen = frameLen
	p.bufs = make([][]uint32, capacity)
	p.held = make([]int, capacity)
	for i := range p.bufs {
		p.bufs[i] = make([]uint32, frameLen)
		p.held[i] = -1
	}
}

// Capacity returns the number of slots in the pool
func (p *Pool) Capacity() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bufs)
}

// FrameLen returns the number of elements in each frame
func (p *Pool) FrameLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frameLen
}

// Reset forgets every published frame, used at the start of a session
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.held {
		p.held[i] = -1
	}
}

// Subscribe registers a consumer for frame ready notifications
func (p *Pool) Subscribe(c Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

// Buffer returns the writable region for frame.  The slot is withdrawn from
// readers until Publish is called for the same frame.
func (p *Pool) Buffer(frame int) ([]uint32, error) {
	if frame < 0 {
		return nil, fmt.Errorf("framestore: negative frame index %d", frame)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := frame % len(p.bufs)
	p.held[slot] = -1
	return p.bufs[slot], nil
}

// Publish marks frame as ready and notifies every consumer in registration
// order.  The return is false if any consumer asked to stop.
func (p *Pool) Publish(frame int) bool {
	p.mu.Lock()
	slot := frame % len(p.bufs)
	p.held[slot] = frame
	f := Frame{Index: frame, Data: p.bufs[slot]}
	consumers := make([]Consumer, len(p.consumers))
	copy(consumers, p.consumers)
	p.mu.Unlock()

	cont := true
	for _, c := range consumers {
		if !c(f) {
			cont = false
		}
	}
	return cont
}

// Frame returns a copy of a published frame
func (p *Pool) Frame(frame int) ([]uint32, error) {
	if frame < 0 {
		return nil, fmt.Errorf("framestore: negative frame index %d", frame)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	slot := frame % len(p.bufs)
	switch held := p.held[slot]; {
	case held == frame:
		out := make([]uint32, p.frameLen)
		copy(out, p.bufs[slot])
		return out, nil
	case held > frame:
		return nil, fmt.Errorf("frame %d: %w", frame, ErrEvicted)
	default:
		return nil, fmt.Errorf("frame %d: %w", frame, ErrNotReady)
	}
}
