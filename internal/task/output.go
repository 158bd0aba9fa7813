package task

// Output holds a kind's typed output record. It is readable only after the
// producer published it on success.
type Output[O any] struct {
	value O
	ok    bool
}

// Set publishes the record.
func (o *Output[O]) Set(v O) {
	o.value = v
	o.ok = true
}

// Get returns the record or ErrNotPublished.
func (o *Output[O]) Get() (O, error) {
	if !o.ok {
		var zero O
		return zero, ErrNotPublished
	}
	return o.value, nil
}

// Published reports whether Set was called.
func (o *Output[O]) Published() bool { return o.ok }
