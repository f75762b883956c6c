package wal

// ============================================================================
// WAL helpers
// ============================================================================

// GetLastEvent reads the last valid event of a WAL file.
// Returns ErrEmptyWAL when the file holds no event.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of valid events in a WAL file.
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}
