// Package admit bounds how many scans run at once. Admissions are
// counted per scan ID, releases are idempotent, and waiters are served
// strictly in arrival order.
package admit

import (
	"sync"

	"github.com/google/uuid"
)

type waiter struct {
	id    uuid.UUID
	grant chan struct{}
}

type Controller struct {
	mx       sync.Mutex
	capacity int
	inUse    map[uuid.UUID]struct{}
	queue    []waiter
}

func New(capacity int) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	return &Controller{
		capacity: capacity,
		inUse:    make(map[uuid.UUID]struct{}),
	}
}

// TryAdmit grants a slot immediately if one is free and nobody is
// queued ahead.
func (c *Controller) TryAdmit(id uuid.UUID) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(c.queue) > 0 || len(c.inUse) >= c.capacity {
		return false
	}
	c.inUse[id] = struct{}{}
	return true
}

// Enqueue appends the scan to the wait queue. The returned channel is
// closed once the slot is granted; by then the admission is already
// counted against the caller.
func (c *Controller) Enqueue(id uuid.UUID) <-chan struct{} {
	c.mx.Lock()
	defer c.mx.Unlock()
	grant := make(chan struct{})
	c.queue = append(c.queue, waiter{id: id, grant: grant})
	return grant
}

// CancelQueued removes a waiting scan from the queue. It reports false
// when the scan is not queued, which means the grant either never
// existed or already fired.
func (c *Controller) CancelQueued(id uuid.UUID) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	for i, w := range c.queue {
		if w.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Release frees the scan's slot and hands it to the head of the queue.
// Releasing a scan that holds no slot is a no-op, so terminal paths
// may all call it without coordination.
func (c *Controller) Release(id uuid.UUID) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.inUse[id]; !ok {
		return
	}
	delete(c.inUse, id)
	if len(c.queue) == 0 {
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.inUse[next.id] = struct{}{}
	close(next.grant)
}

func (c *Controller) InUse() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.inUse)
}

func (c *Controller) QueueLen() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.queue)
}
