package gateway

import (
	"errors"
	"testing"
)

func TestClassifyCloseCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int
		want closeDisposition
	}{
		{"normal closure", CloseNormalClosure, closeResume},
		{"going away", CloseGoingAway, closeResume},
		{"policy violation", ClosePolicyViolation, closeResume},
		{"unknown error", CloseUnknownError, closeResume},
		{"rate limited", CloseRateLimited, closeResume},
		{"session timed out", CloseSessionTimedOut, closeResume},
		{"invalid sequence", CloseInvalidSequence, closeResume},
		{"invalid api version", CloseInvalidAPIVersion, closeReidentify},
		{"invalid intents", CloseInvalidIntents, closeReidentify},
		{"auth failed", CloseAuthFailed, closeFatal},
		{"invalid shard", CloseInvalidShard, closeFatal},
		{"sharding required", CloseShardingRequired, closeFatal},
		{"disallowed intents", CloseDisallowedIntents, closeFatal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyCloseCode(tt.code); got != tt.want {
				t.Errorf("classifyCloseCode(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestCloseCodeSetsArePartitioned(t *testing.T) {
	t.Parallel()

	// The fatal set must be a subset of the non-resumable set: a code the engine refuses to reconnect after is
	// necessarily one the session cannot survive.
	for code := range fatalCloseCodes {
		if !nonResumableCloseCodes[code] {
			t.Errorf("fatal code %d is not in the non-resumable set", code)
		}
	}

	// Every code the engine can ever observe lands in exactly one disposition.
	for code := 1000; code <= 4999; code++ {
		disp := classifyCloseCode(code)
		switch disp {
		case closeResume, closeReidentify, closeFatal:
		default:
			t.Errorf("classifyCloseCode(%d) = %v, not a known disposition", code, disp)
		}
		if disp == closeFatal && !fatalCloseCodes[code] {
			t.Errorf("code %d classified fatal but not in fatal set", code)
		}
		if disp == closeReidentify && (!nonResumableCloseCodes[code] || fatalCloseCodes[code]) {
			t.Errorf("code %d classified reidentify inconsistently", code)
		}
		if disp == closeResume && nonResumableCloseCodes[code] {
			t.Errorf("code %d classified resumable but in non-resumable set", code)
		}
	}
}

func TestFatalCloseErrorWrapsCloseError(t *testing.T) {
	t.Parallel()

	err := error(&FatalCloseError{CloseError{Code: CloseAuthFailed, Reason: "bad token"}})

	var fatal *FatalCloseError
	if !errors.As(err, &fatal) {
		t.Fatal("errors.As failed to match *FatalCloseError")
	}
	if fatal.Code != CloseAuthFailed {
		t.Errorf("Code = %d, want %d", fatal.Code, CloseAuthFailed)
	}
	if fatal.Error() == "" {
		t.Error("Error() returned an empty string")
	}
}
