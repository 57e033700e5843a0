package sink

// BatchEntry is one member payload with its correlation key.
type BatchEntry struct {
	Key     string
	Payload MemberPayload

	size int
}

// BatchGroup is an ordered sequence of member payloads flushed
// together as one bulk job. It exists only between enqueue and flush.
type BatchGroup struct {
	ListID  string
	Entries []BatchEntry
}

// BatchAccumulator buffers transformed payloads for one destination
// audience and emits a group when a threshold is reached or the stream
// ends. Enqueue order is preserved; a duplicate correlation key within
// one flush window overwrites the earlier entry (last write wins,
// matching the destination's own upsert semantics).
// Not safe for concurrent use; the owning router serialises access.
type BatchAccumulator struct {
	ListID   string
	MaxItems int
	MaxBytes int

	entries []BatchEntry
	index   map[string]int
	bytes   int
}

// NewBatchAccumulator returns an empty accumulator for one audience.
func NewBatchAccumulator(listid string, maxitems int, maxbytes int) *BatchAccumulator {
	return &BatchAccumulator{
		ListID:   listid,
		MaxItems: maxitems,
		MaxBytes: maxbytes,
		index:    make(map[string]int),
	}
}

// Enqueue buffers one payload under its correlation key.
func (a *BatchAccumulator) Enqueue(payload MemberPayload) error {
	body, err := payload.Body()
	if err != nil {
		return err
	}
	entry := BatchEntry{Key: payload.CorrelationKey(), Payload: payload, size: len(body)}
	if pos, exists := a.index[entry.Key]; exists {
		a.bytes += entry.size - a.entries[pos].size
		a.entries[pos] = entry
		return nil
	}
	a.index[entry.Key] = len(a.entries)
	a.entries = append(a.entries, entry)
	a.bytes += entry.size
	return nil
}

// Len returns the number of buffered entries.
func (a *BatchAccumulator) Len() int {
	return len(a.entries)
}

// FlushIfDue emits the buffered group if an item count or byte size
// threshold has been reached, or nil if the group is not yet due.
func (a *BatchAccumulator) FlushIfDue() *BatchGroup {
	if len(a.entries) == 0 {
		return nil
	}
	if len(a.entries) < a.MaxItems && (a.MaxBytes <= 0 || a.bytes < a.MaxBytes) {
		return nil
	}
	return a.Drain()
}

// Drain forces emission of the buffered group even under threshold,
// or returns nil if nothing is buffered. Used at end of stream.
func (a *BatchAccumulator) Drain() *BatchGroup {
	if len(a.entries) == 0 {
		return nil
	}
	group := &BatchGroup{ListID: a.ListID, Entries: a.entries}
	a.entries = nil
	a.index = make(map[string]int)
	a.bytes = 0
	return group
}
