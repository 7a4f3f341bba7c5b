package gateway

// Limiter caps how many CGI children run at once. Unlike a resident
// worker pool there is nothing to recycle -- every request gets a fresh
// process -- so the pool degenerates to a slot counter. A nil Limiter
// or a cap of zero means unlimited.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter builds a limiter allowing up to max concurrent children.
func NewLimiter(max int) *Limiter {
	if max <= 0 {
		return &Limiter{}
	}
	return &Limiter{slots: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free.
func (l *Limiter) Acquire() {
	if l != nil && l.slots != nil {
		l.slots <- struct{}{}
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	if l != nil && l.slots != nil {
		<-l.slots
	}
}

// InUse reports how many slots are currently held.
func (l *Limiter) InUse() int {
	if l == nil || l.slots == nil {
		return 0
	}
	return len(l.slots)
}

// Cap reports the configured maximum; 0 means unlimited.
func (l *Limiter) Cap() int {
	if l == nil || l.slots == nil {
		return 0
	}
	return cap(l.slots)
}
