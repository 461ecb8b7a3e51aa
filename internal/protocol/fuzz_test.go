package protocol

import (
	"encoding/json"
	"testing"
)

// FuzzSafeParse drives the principal input-validation surface: SafeParse
// must never panic and must only return messages that survive a re-parse.
func FuzzSafeParse(f *testing.F) {
	f.Add([]byte(`{"type":"health:ping","payload":{}}`))
	f.Add([]byte(`{"type":"session:start","payload":{"sessionId":"7b8a3df2-4c1e-4f5a-9d26-58a6f1f6c2aa","channel":"telegram","senderId":"u1","timestamp":"2026-08-30T12:00:00Z"}}`))
	f.Add([]byte(`{"type":"subscribe","payload":{"events":["message:*"]}}`))
	f.Add([]byte(`{"type":"tool:update","payload":{"progress":101}}`))
	f.Add([]byte(`{"type":null}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(``))
	f.Add([]byte(`{"type":"error","payload":{"code":"x","message":"y","timestamp":"2026-08-30T12:00:00Z"}}`))

	f.Fuzz(func(t *testing.T, raw []byte) {
		msg := SafeParse(raw)
		if msg == nil {
			return
		}
		// Anything SafeParse accepts must serialize and parse back cleanly.
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("accepted message failed to marshal: %v", err)
		}
		if _, err := Parse(data); err != nil {
			t.Fatalf("accepted message failed to re-parse: %v", err)
		}
	})
}
