package transcript

// Evict bounds the live message list to the most recent cap entries.
// The evicted prefix is returned for the history buffer; conservation
// holds: len(live)+len(evicted) == len(messages).
func Evict(messages []Message, cap int) (live, evicted []Message) {
	if cap <= 0 || len(messages) <= cap {
		return messages, nil
	}
	cut := len(messages) - cap
	return messages[cut:], messages[:cut]
}

// Window tracks the monotonic hidden-message count behind the "N hidden
// messages" indicator. The count never decreases except on an explicit
// Reset (e.g. /clear).
type Window struct {
	evicted int
}

// RecordEvicted accounts messages moved out of memory for good.
func (w *Window) RecordEvicted(n int) {
	if w == nil || n <= 0 {
		return
	}
	w.evicted += n
}

// Visible returns the display slice plus the indicator count: all
// evictions across the process's life plus any further in-memory
// overflow beyond cap.
func (w *Window) Visible(messages []Message, cap int) (visible []Message, hidden int) {
	overflow := 0
	visible = messages
	if cap > 0 && len(messages) > cap {
		overflow = len(messages) - cap
		visible = messages[overflow:]
	}
	if w == nil {
		return visible, overflow
	}
	return visible, w.evicted + overflow
}

// Reset clears the indicator. Only an explicit user action calls this.
func (w *Window) Reset() {
	if w == nil {
		return
	}
	w.evicted = 0
}
