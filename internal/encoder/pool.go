package encoder

import (
	"context"
	"fmt"
	"sync"

	"github.com/dj-oyu/screen-streamer/pkg/types"
)

type slotState int

const (
	slotFree slotState = iota
	slotFilling
	slotQueued
	slotDequeued
)

type slot struct {
	state slotState
	data  []byte
	info  types.BufferInfo
}

// bufferPool is the encoder's output buffer-index space. Indices cycle
// free -> filling -> queued -> dequeued -> free; each transition is checked
// so a double release or a stale index is reported instead of corrupting a
// buffer that was handed out again.
type bufferPool struct {
	mu    sync.Mutex
	slots []slot
	free  chan int
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{
		slots: make([]slot, size),
		free:  make(chan int, size),
	}
	for i := 0; i < size; i++ {
		p.free <- i
	}
	return p
}

// acquire blocks until an index is free. Backpressure on the encoder output
// comes from here when the consumer stops releasing.
func (p *bufferPool) acquire(ctx context.Context) (int, error) {
	select {
	case idx := <-p.free:
		p.mu.Lock()
		p.slots[idx].state = slotFilling
		p.mu.Unlock()
		return idx, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// fill copies payload into the slot and marks it queued
func (p *bufferPool) fill(idx int, payload []byte, info types.BufferInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.slots[idx]
	s.data = append(s.data[:0], payload...)
	info.Offset = 0
	info.Size = len(payload)
	s.info = info
	s.state = slotQueued
}

// dequeue hands a queued slot to the consumer. The returned payload is a view
// into the slot.
func (p *bufferPool) dequeue(idx int) ([]byte, types.BufferInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.slots) || p.slots[idx].state != slotQueued {
		return nil, types.BufferInfo{}, fmt.Errorf("%w: %d", ErrMissingBuffer, idx)
	}

	s := &p.slots[idx]
	s.state = slotDequeued
	return s.data[s.info.Offset : s.info.Offset+s.info.Size], s.info, nil
}

// release returns a dequeued slot to the free list
func (p *bufferPool) release(idx int) error {
	p.mu.Lock()
	if idx < 0 || idx >= len(p.slots) || p.slots[idx].state != slotDequeued {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidBufferIndex, idx)
	}
	p.slots[idx].state = slotFree
	p.mu.Unlock()

	p.free <- idx
	return nil
}

// outstanding returns how many slots are held by the consumer
func (p *bufferPool) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i := range p.slots {
		if p.slots[i].state == slotDequeued {
			n++
		}
	}
	return n
}
