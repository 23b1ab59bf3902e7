package research

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EventType tags a stream frame.
type EventType string

const (
	EventProgress      EventType = "progress"
	EventSearchResults EventType = "search_results"
	EventSources       EventType = "sources"
	EventSourceUpdate  EventType = "source_update"
	EventLearning      EventType = "learning"
	EventLearnings     EventType = "learnings"
	EventReasoning     EventType = "reasoning_trace"
	EventContentChunk  EventType = "content_chunk"
	EventContent       EventType = "content"
	EventError         EventType = "error"
	EventComplete      EventType = "complete"
)

// StreamEvent is one frame of the newline-delimited JSON wire protocol.
// Every frame is self-contained; only the fields for its type are set.
// Content holds a string for most types and a []string for "learnings".
type StreamEvent struct {
	Type     EventType   `json:"type"`
	Progress *float64    `json:"progress,omitempty"`
	Status   string      `json:"status,omitempty"`
	Details  string      `json:"details,omitempty"`
	Content  interface{} `json:"content,omitempty"`
	Sources  []Source    `json:"sources,omitempty"`
	URL      string      `json:"url,omitempty"`
	Data     *Source     `json:"data,omitempty"`
}

func progressEvent(progress float64, status, details string) StreamEvent {
	p := progress
	return StreamEvent{Type: EventProgress, Progress: &p, Status: status, Details: details}
}

func contentEvent(t EventType, content string) StreamEvent {
	return StreamEvent{Type: t, Content: content}
}

func sourcesEvent(sources []Source) StreamEvent {
	return StreamEvent{Type: EventSources, Sources: sources}
}

func sourceUpdateEvent(url string, data Source) StreamEvent {
	return StreamEvent{Type: EventSourceUpdate, URL: url, Data: &data}
}

func learningsEvent(learnings []string) StreamEvent {
	return StreamEvent{Type: EventLearnings, Content: learnings}
}

func completeEvent(status string) StreamEvent {
	return StreamEvent{Type: EventComplete, Status: status}
}

// Encoder serializes events as newline-terminated JSON frames.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes one frame. One Encode call maps to exactly one line.
func (e *Encoder) Encode(ev StreamEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	b = append(b, '\n')
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	return nil
}

// Decoder reassembles frames from arbitrarily-chunked input: frames may
// arrive several to a chunk or split across chunks. A line that is not
// valid JSON is surfaced as a raw content frame rather than an error.
type Decoder struct {
	buf bytes.Buffer
}

func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends a network chunk to the internal buffer.
func (d *Decoder) Feed(chunk []byte) {
	d.buf.Write(chunk)
}

// Next returns the next complete frame, or ok=false when the buffer holds
// no full line yet.
func (d *Decoder) Next() (StreamEvent, bool) {
	for {
		raw := d.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return StreamEvent{}, false
		}
		line := bytes.TrimSpace(raw[:i])
		d.buf.Next(i + 1)
		if len(line) == 0 {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			// Recovery policy: treat unparseable lines as streamed text.
			return contentEvent(EventContent, string(line)), true
		}
		return ev, true
	}
}
