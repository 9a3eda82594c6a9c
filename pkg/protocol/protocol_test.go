package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/stagelive/pkg/protocol"
)

func TestDecode_InboundKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want protocol.Message
	}{
		{
			name: "start with character",
			raw:  `{"type":"start","character":"maho"}`,
			want: protocol.Message{Kind: protocol.KindStart, Character: "maho"},
		},
		{
			name: "text delta",
			raw:  `{"type":"text","character":"maho","data":"Hi"}`,
			want: protocol.Message{Kind: protocol.KindText, Character: "maho", Data: "Hi"},
		},
		{
			name: "think delta without character",
			raw:  `{"type":"thinkText","data":"hmm"}`,
			want: protocol.Message{Kind: protocol.KindThinkText, Data: "hmm"},
		},
		{
			name: "final audio chunk",
			raw:  `{"type":"audio","character":"may","data":"QUJD","is_final":true}`,
			want: protocol.Message{Kind: protocol.KindAudio, Character: "may", Data: "QUJD", IsFinal: true},
		},
		{
			name: "end",
			raw:  `{"type":"end","character":"may"}`,
			want: protocol.Message{Kind: protocol.KindEnd, Character: "may"},
		},
		{
			name: "finish",
			raw:  `{"type":"finish"}`,
			want: protocol.Message{Kind: protocol.KindFinish},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := protocol.Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecode_ServerError(t *testing.T) {
	t.Parallel()

	msg, err := protocol.Decode([]byte(`{"type":"error","msg":"unauthorised"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != protocol.KindError {
		t.Fatalf("Kind = %q, want %q", msg.Kind, protocol.KindError)
	}
	var se *protocol.ServerError
	if !errors.As(msg.Err, &se) {
		t.Fatalf("Err = %v, want *ServerError", msg.Err)
	}
	if se.Msg != "unauthorised" {
		t.Errorf("Msg = %q, want %q", se.Msg, "unauthorised")
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`not json`, `{"data":"x"}`, `[1,2]`, `{"type":42}`} {
		if _, err := protocol.Decode([]byte(raw)); !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("Decode(%q) err = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	t.Parallel()

	msg, err := protocol.Decode([]byte(`{"type":"emote","data":"wave"}`))
	if !errors.Is(err, protocol.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
	if msg.Kind != "emote" {
		t.Errorf("Kind = %q, want %q", msg.Kind, "emote")
	}

	// Lifecycle kinds are never accepted from the wire.
	if _, err := protocol.Decode([]byte(`{"type":"open"}`)); !errors.Is(err, protocol.ErrUnknownKind) {
		t.Errorf("open frame err = %v, want ErrUnknownKind", err)
	}
}

func TestOutbound_JSONShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  protocol.Outbound
		want map[string]any
	}{
		{
			name: "chat",
			out:  protocol.Chat("hello", "tok"),
			want: map[string]any{"type": "chat", "data": "hello", "token": "tok"},
		},
		{
			name: "audio final with empty data",
			out:  protocol.Audio("", true, "tok"),
			want: map[string]any{"type": "audio", "data": "", "is_final": true, "token": "tok"},
		},
		{
			name: "audio chunk",
			out:  protocol.Audio("AAAA", false, "tok"),
			want: map[string]any{"type": "audio", "data": "AAAA", "is_final": false, "token": "tok"},
		},
		{
			name: "interrupt",
			out:  protocol.Interrupt("tok"),
			want: map[string]any{"type": "interrupt", "token": "tok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(tt.out)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("fields = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestKind_Classification(t *testing.T) {
	t.Parallel()

	if protocol.KindOpen.IsInbound() || !protocol.KindOpen.IsLifecycle() {
		t.Error("open must be lifecycle only")
	}
	if !protocol.KindError.IsInbound() || !protocol.KindError.IsLifecycle() {
		t.Error("error is both a server frame and a lifecycle event")
	}
	if protocol.KindText.IsLifecycle() {
		t.Error("text is not a lifecycle event")
	}
}
