package runtime

import (
	"fmt"
)

// ForkRun clones a WAL prefix under a new run identity: events [0..upTo]
// of src are copied to dst with each event's run_id rewritten to newRunID
// and any embedded payload.wal_locator rewritten to dst's locator. A
// subsequent run with newRunID against dst picks the prefix up via the
// normal resume rules.
func ForkRun(src, dst WAL, newRunID string, upTo int) error {
	if newRunID == "" {
		return fmt.Errorf("fork: new run id is required")
	}
	events, err := src.IterEvents("")
	if err != nil {
		return fmt.Errorf("fork: read source wal: %w", err)
	}
	if upTo < 0 || upTo >= len(events) {
		return fmt.Errorf("fork: index %d out of range (wal has %d events)", upTo, len(events))
	}

	dstLocator := dst.Locator()
	for _, ev := range events[:upTo+1] {
		rewritten := ev
		rewritten.RunID = newRunID
		if len(ev.Payload) > 0 {
			payload := make(map[string]any, len(ev.Payload))
			for k, v := range ev.Payload {
				payload[k] = v
			}
			if _, ok := payload["wal_locator"]; ok {
				payload["wal_locator"] = dstLocator
			}
			rewritten.Payload = payload
		}
		if _, err := dst.Append(rewritten); err != nil {
			return fmt.Errorf("fork: append to destination wal: %w", err)
		}
	}
	return nil
}
