package scheduler

// waitList is a keyed set of one-shot waiters. Each waiter channel has
// capacity one so that releasing never blocks the releasing goroutine.
type waitList[K comparable] struct {
	nextID  uint64
	waiters map[K]map[uint64]chan bool
}

func newWaitList[K comparable]() *waitList[K] {
	return &waitList[K]{waiters: make(map[K]map[uint64]chan bool)}
}

func (w *waitList[K]) add(key K) (uint64, chan bool) {
	id := w.nextID
	w.nextID++

	ch := make(chan bool, 1)
	if w.waiters[key] == nil {
		w.waiters[key] = make(map[uint64]chan bool)
	}
	w.waiters[key][id] = ch
	return id, ch
}

// remove drops a waiter and reports whether it was still pending.
func (w *waitList[K]) remove(key K, id uint64) bool {
	set, ok := w.waiters[key]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(w.waiters, key)
	}
	return true
}

func (w *waitList[K]) release(key K, result bool) {
	for _, ch := range w.waiters[key] {
		ch <- result
	}
	delete(w.waiters, key)
}

func (w *waitList[K]) releaseAll(result bool) {
	for key := range w.waiters {
		w.release(key, result)
	}
}

func (w *waitList[K]) len() int {
	n := 0
	for _, set := range w.waiters {
		n += len(set)
	}
	return n
}
