package execution

// eventRing keeps the latest final events, dropping the oldest ones
type eventRing struct {
	buf   []ExecutionEvent
	start int
	size  int
}

func newEventRing(capacity int) *eventRing {
	if capacity < 0 {
		capacity = 0
	}
	return &eventRing{buf: make([]ExecutionEvent, capacity)}
}

func (r *eventRing) push(ev ExecutionEvent) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *eventRing) list() []ExecutionEvent {
	out := make([]ExecutionEvent, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
