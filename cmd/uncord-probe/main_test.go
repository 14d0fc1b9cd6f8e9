package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := logSink(zerolog.New(&buf))

	sink("MESSAGE_CREATE", json.RawMessage(`{"content":"hi"}`))
	sink("PRESENCE_UPDATE", nil)

	out := buf.String()
	if !strings.Contains(out, "MESSAGE_CREATE") {
		t.Errorf("log output missing event name: %s", out)
	}
	if !strings.Contains(out, `"content":"hi"`) {
		t.Errorf("log output missing event payload: %s", out)
	}
	// A payload-less event is still logged.
	if !strings.Contains(out, "PRESENCE_UPDATE") {
		t.Errorf("log output missing payload-less event: %s", out)
	}
}
