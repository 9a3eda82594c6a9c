// Package segment accumulates the backend's streamed reply into an ordered
// queue of performance segments, one per conversational turn.
//
// A segment is opened by a start frame and receives text, thinking text and
// audio until its owner's end frame closes it. Only the queue tail accepts
// content and only while it is incomplete; that segment is the active
// receiver. The queue is strict FIFO: the director reads the head through
// immutable [View] snapshots and removes it with [Buffer.PopFront] once it has
// been performed.
package segment

import (
	"strings"
)

// AudioChunk is one playable audio unit: the concatenation of every streamed
// payload up to and including an is_final marker.
type AudioChunk struct {
	// Payload is the merged base64 audio text.
	Payload string

	// IsFinal is true for every merged unit; it closes one utterance, not
	// necessarily the whole segment.
	IsFinal bool
}

// segment is the mutable per-turn record owned by the [Buffer].
type segment struct {
	id        string
	character string

	text      strings.Builder
	thinkText strings.Builder
	chunks    []AudioChunk

	// pending collects audio payloads until the next is_final marker.
	pending strings.Builder

	thinkingComplete bool
	textComplete     bool
	audioComplete    bool
	segmentComplete  bool
}

// appendAudio adds one streamed payload and merges the pending run when
// isFinal is set.
func (s *segment) appendAudio(payload string, isFinal bool) {
	s.pending.WriteString(payload)
	if isFinal {
		s.flushAudio()
	}
}

// flushAudio turns the pending run into one playable chunk. Empty runs are
// discarded.
func (s *segment) flushAudio() {
	if s.pending.Len() == 0 {
		return
	}
	s.chunks = append(s.chunks, AudioChunk{Payload: s.pending.String(), IsFinal: true})
	s.pending.Reset()
}

// complete force-flushes residual audio and sets every completion flag.
func (s *segment) complete() {
	s.flushAudio()
	s.thinkingComplete = true
	s.textComplete = true
	s.audioComplete = true
	s.segmentComplete = true
}

func (s *segment) view() View {
	return View{
		ID:               s.id,
		Character:        s.character,
		Text:             s.text.String(),
		ThinkText:        s.thinkText.String(),
		ChunkCount:       len(s.chunks),
		PendingAudio:     s.pending.Len() > 0,
		ThinkingComplete: s.thinkingComplete,
		TextComplete:     s.textComplete,
		AudioComplete:    s.audioComplete,
		SegmentComplete:  s.segmentComplete,
	}
}

// View is a read-only snapshot of one segment.
type View struct {
	ID        string
	Character string
	Text      string
	ThinkText string

	// ChunkCount is the number of playable chunks merged so far. Fetch them
	// with [Buffer.Chunk].
	ChunkCount int

	// PendingAudio reports whether streamed audio is waiting for its
	// is_final marker.
	PendingAudio bool

	ThinkingComplete bool
	TextComplete     bool
	AudioComplete    bool
	SegmentComplete  bool
}
