package harness

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxRecordSize bounds a single JSON-lines record. Sample events can carry full
// transcripts, so the scanner default of 64KiB is too small.
const maxRecordSize = 16 * 1024 * 1024

// record is one line of an event log.
type record struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEvents reads JSON-lines event records of the form
// {"event":"sample_end","data":{...}} and returns them as typed events.
// Blank lines are skipped.
func DecodeEvents(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var events []Event
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode record: %w", line, err)
		}

		event, err := decodeEvent(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return events, nil
}

// EncodeEvent writes one event as a JSON-lines record.
func EncodeEvent(w io.Writer, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event.EventName(), err)
	}
	line, err := json.Marshal(record{Event: event.EventName(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

func decodeEvent(rec record) (Event, error) {
	switch rec.Event {
	case EventRunStart:
		return decodeAs[RunStart](rec)
	case EventRunEnd:
		return decodeAs[RunEnd](rec)
	case EventTaskStart:
		return decodeAs[TaskStart](rec)
	case EventTaskEnd:
		return decodeAs[TaskEnd](rec)
	case EventSampleStart:
		return decodeAs[SampleStart](rec)
	case EventSampleEnd:
		return decodeAs[SampleEnd](rec)
	default:
		return nil, fmt.Errorf("unknown event %q", rec.Event)
	}
}

func decodeAs[T Event](rec record) (Event, error) {
	var event T
	if len(rec.Data) == 0 {
		return event, nil
	}
	if err := json.Unmarshal(rec.Data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", rec.Event, err)
	}
	return event, nil
}
