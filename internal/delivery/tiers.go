package delivery

// Tiers is a set of FIFO lanes, one per priority. It is not safe for
// concurrent use; owners guard it with their own lock.
type Tiers[T any] struct {
	lanes [tierCount][]T
	size  int
}

// Len returns the number of items across all tiers.
func (t *Tiers[T]) Len() int {
	return t.size
}

// LenOf returns the number of items in a single tier.
func (t *Tiers[T]) LenOf(p Priority) int {
	if !p.Valid() {
		return 0
	}
	return len(t.lanes[p])
}

// Push appends an item to the back of its tier.
func (t *Tiers[T]) Push(p Priority, item T) {
	p = clampPriority(p)
	t.lanes[p] = append(t.lanes[p], item)
	t.size++
}

// PushFront puts an item at the head of its tier.
func (t *Tiers[T]) PushFront(p Priority, item T) {
	p = clampPriority(p)
	lane := make([]T, 0, len(t.lanes[p])+1)
	lane = append(lane, item)
	t.lanes[p] = append(lane, t.lanes[p]...)
	t.size++
}

// Pop removes the head of the highest non-empty tier.
func (t *Tiers[T]) Pop() (T, Priority, bool) {
	for _, p := range Descending {
		if item, ok := t.PopOldest(p); ok {
			return item, p, true
		}
	}
	var zero T
	return zero, PriorityLow, false
}

// Peek returns the head of the highest non-empty tier without removing it.
func (t *Tiers[T]) Peek() (T, Priority, bool) {
	for _, p := range Descending {
		if len(t.lanes[p]) > 0 {
			return t.lanes[p][0], p, true
		}
	}
	var zero T
	return zero, PriorityLow, false
}

// PopOldest removes the head of a single tier.
func (t *Tiers[T]) PopOldest(p Priority) (T, bool) {
	var zero T
	if !p.Valid() || len(t.lanes[p]) == 0 {
		return zero, false
	}
	item := t.lanes[p][0]
	t.lanes[p][0] = zero
	t.lanes[p] = t.lanes[p][1:]
	if len(t.lanes[p]) == 0 {
		t.lanes[p] = nil
	}
	t.size--
	return item, true
}

// RemoveFunc drops every item for which match returns true and returns them
// in tier order, Critical first.
func (t *Tiers[T]) RemoveFunc(match func(T) bool) []T {
	var removed []T
	for _, p := range Descending {
		lane := t.lanes[p]
		kept := lane[:0]
		for _, item := range lane {
			if match(item) {
				removed = append(removed, item)
				continue
			}
			kept = append(kept, item)
		}
		var zero T
		for i := len(kept); i < len(lane); i++ {
			lane[i] = zero
		}
		t.lanes[p] = kept
	}
	t.size -= len(removed)
	return removed
}

// Clear empties every tier and returns the removed items, Critical first.
func (t *Tiers[T]) Clear() []T {
	return t.RemoveFunc(func(T) bool { return true })
}

// Counts returns the depth of each tier keyed by priority.
func (t *Tiers[T]) Counts() map[Priority]int {
	counts := make(map[Priority]int, tierCount)
	for _, p := range Descending {
		counts[p] = len(t.lanes[p])
	}
	return counts
}

func clampPriority(p Priority) Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}
