package anomaly

import "saleguard/internal/activity"

// ring is a fixed-capacity activity window; the oldest entry is evicted
// once capacity is reached.
type ring struct {
	buf  []activity.Activity
	head int
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{buf: make([]activity.Activity, capacity)}
}

func (r *ring) push(act activity.Activity) {
	r.buf[r.head] = act
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

// items returns the window oldest-first.
func (r *ring) items() []activity.Activity {
	if !r.full {
		out := make([]activity.Activity, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]activity.Activity, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.head
}
