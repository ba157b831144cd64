package session

// Subscribe returns a coalescing notification channel that ticks whenever
// the conversation view may have changed, plus an unsubscribe func. The
// channel carries no data; subscribers re-read Messages and connectivity
// state on each tick. A slow subscriber never blocks the orchestrator:
// pending ticks collapse into one.
func (o *Orchestrator) Subscribe() (<-chan struct{}, func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	id := o.nextSubID
	o.nextSubID++

	ch := make(chan struct{}, 1)
	o.subscribers[id] = ch

	unsubscribe := func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if _, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

func (o *Orchestrator) notify() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, ch := range o.subscribers {
		delete(o.subscribers, id)
		close(ch)
	}
}
