package runtime

// trimHistory applies the history sliding window: keep at most maxMessages
// of the tail, then drop from the head until the rough character budget
// holds. Zero or negative limits disable that dimension. Returns the kept
// slice (original order) and the number of dropped messages.
func trimHistory(history []Message, maxMessages, maxChars int) ([]Message, int) {
	if len(history) == 0 {
		return nil, 0
	}

	kept := history
	if maxMessages > 0 && len(kept) > maxMessages {
		kept = kept[len(kept)-maxMessages:]
	}
	dropped := len(history) - len(kept)

	if maxChars > 0 {
		total := 0
		for _, m := range kept {
			total += messageCharLen(m)
		}
		for len(kept) > 0 && total > maxChars {
			total -= messageCharLen(kept[0])
			kept = kept[1:]
			dropped++
		}
	}
	return kept, dropped
}

// messageCharLen is the rough per-message size estimate backing the
// character budget: content length only, no token counting.
func messageCharLen(m Message) int {
	if m.Content == nil {
		return 0
	}
	return len(*m.Content)
}
