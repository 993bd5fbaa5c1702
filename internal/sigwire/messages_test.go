package sigwire

import (
	"strings"
	"testing"
)

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"type":"get_call","id":1,"callId":"c1","bogus":true}`))
	if err == nil {
		t.Fatalf("unknown field accepted, want error")
	}
}

func TestParse_RejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"type":"get_call","id":1,"callId":"c1"}{"type":"unwatch","watch":1}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data: err=%v, want trailing-data error", err)
	}
}

func TestParse_ValidMessages(t *testing.T) {
	cases := []string{
		`{"type":"auth","apiKey":"k"}`,
		`{"type":"auth","token":"t"}`,
		`{"type":"get_call","id":7,"callId":"c1"}`,
		`{"type":"update_call","id":2,"callId":"c1","patch":{"status":"ended"}}`,
		`{"type":"watch_calls","id":3,"filter":{"calleeId":"bob"}}`,
		`{"type":"watch_candidates","id":4,"callId":"c1"}`,
		`{"type":"unwatch","watch":3}`,
		`{"type":"query_candidates","id":5,"callId":"c1","excludeSender":"bob"}`,
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err != nil {
			t.Errorf("Parse(%s): %v", raw, err)
		}
	}
}

func TestParse_InvalidShapes(t *testing.T) {
	cases := []string{
		`{"type":"auth"}`,                             // no credential
		`{"type":"get_call","id":1}`,                  // no callId
		`{"type":"get_call","callId":"c1"}`,           // no id
		`{"type":"update_call","id":1,"callId":"c1"}`, // no patch
		`{"type":"watch_calls","id":1}`,               // no filter
		`{"type":"unwatch"}`,                          // no watch id
		`{"type":"error"}`,                            // no code
		`{"type":"nope"}`,                             // unknown type
		`not json`,
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%s) succeeded, want error", raw)
		}
	}
}
