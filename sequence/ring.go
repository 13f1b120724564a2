package sequence

type slot[T any] struct {
	seq   uint64
	value T
	valid bool
}

// Ring stores one value per sequence number. A sequence maps onto slot
// seq mod size, so inserting seq+size overwrites seq.
type Ring[T any] struct {
	slots []slot[T]
	mask  uint64
	count int
}

// NewRing creates a Ring holding at most size values.
func NewRing[T any](size int) (*Ring[T], error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}
	return &Ring[T]{
		slots: make([]slot[T], size),
		mask:  uint64(size - 1),
	}, nil
}

// Size returns the ring capacity.
func (r *Ring[T]) Size() int {
	return len(r.slots)
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	return r.count
}

// Insert stores value under seq. If the slot held a different sequence, that
// value is returned as evicted.
func (r *Ring[T]) Insert(seq uint64, value T) (evicted T, evictedSeq uint64, wasEvicted bool) {
	s := &r.slots[seq&r.mask]
	if s.valid {
		if s.seq != seq {
			evicted, evictedSeq, wasEvicted = s.value, s.seq, true
		}
	} else {
		r.count++
	}
	s.seq = seq
	s.value = value
	s.valid = true
	return evicted, evictedSeq, wasEvicted
}

// Get returns the value stored under seq.
func (r *Ring[T]) Get(seq uint64) (T, bool) {
	s := &r.slots[seq&r.mask]
	if s.valid && s.seq == seq {
		return s.value, true
	}
	var zero T
	return zero, false
}

// Exists reports whether a value is stored under seq.
func (r *Ring[T]) Exists(seq uint64) bool {
	s := &r.slots[seq&r.mask]
	return s.valid && s.seq == seq
}

// Remove deletes and returns the value stored under seq.
func (r *Ring[T]) Remove(seq uint64) (T, bool) {
	s := &r.slots[seq&r.mask]
	var zero T
	if !s.valid || s.seq != seq {
		return zero, false
	}
	value := s.value
	s.value = zero
	s.valid = false
	r.count--
	return value, true
}

// Clear removes every value.
func (r *Ring[T]) Clear() {
	var zero slot[T]
	for i := range r.slots {
		r.slots[i] = zero
	}
	r.count = 0
}
