package olshare

// DefaultMaxConcurrent is the default cap on in-flight local dispatches
const DefaultMaxConcurrent = 20

// Dispatcher admits jobs up to a fixed concurrency limit and queues the rest
// in arrival order. It is not safe for concurrent use; the client loop owns it.
type Dispatcher struct {
	max    int
	active int
	peak   int
	queue  []func()
}

// NewDispatcher creates a Dispatcher admitting at most max concurrent jobs
func NewDispatcher(max int) *Dispatcher {
	if max < 1 {
		max = DefaultMaxConcurrent
	}
	return &Dispatcher{max: max}
}

// Submit starts job now if a slot is free, otherwise queues it. job must not
// block; it starts the work and arranges for Done to be called when it ends.
func (d *Dispatcher) Submit(job func()) {
	if d.active < d.max {
		d.start(job)
		return
	}
	d.queue = append(d.queue, job)
}

// Done releases the slot of a finished job and starts the oldest queued one
func (d *Dispatcher) Done() {
	if d.active > 0 {
		d.active--
	}
	if len(d.queue) > 0 && d.active < d.max {
		job := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.start(job)
	}
}

func (d *Dispatcher) start(job func()) {
	d.active++
	if d.active > d.peak {
		d.peak = d.active
	}
	job()
}

// DropQueued discards every queued job and returns how many there were
func (d *Dispatcher) DropQueued() int {
	n := len(d.queue)
	d.queue = nil
	return n
}

// Active returns the number of admitted jobs not yet Done
func (d *Dispatcher) Active() int {
	return d.active
}

// Queued returns the number of jobs waiting for a slot
func (d *Dispatcher) Queued() int {
	return len(d.queue)
}

// Peak returns the highest Active count seen
func (d *Dispatcher) Peak() int {
	return d.peak
}
