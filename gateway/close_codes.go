package gateway

import (
	"errors"
	"fmt"
)

// WebSocket close codes used by the gateway protocol. Standard codes (1000, 1001, 1008) are defined by RFC 6455; the
// 4000 range is reserved for application use.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008

	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthFailed           = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// nonResumableCloseCodes are the close codes after which the saved session is unusable: the engine clears session id
// and sequence and re-identifies on the next attempt.
var nonResumableCloseCodes = map[int]bool{
	CloseAuthFailed:        true,
	CloseInvalidShard:      true,
	CloseShardingRequired:  true,
	CloseInvalidAPIVersion: true,
	CloseInvalidIntents:    true,
	CloseDisallowedIntents: true,
}

// fatalCloseCodes is the subset of non-resumable codes that also forbid reconnecting at all; the engine surfaces them
// and exits. Retrying would deterministically fail with the same code.
var fatalCloseCodes = map[int]bool{
	CloseAuthFailed:        true,
	CloseInvalidShard:      true,
	CloseShardingRequired:  true,
	CloseDisallowedIntents: true,
}

// closeDisposition partitions a close code into the action the reconnect loop must take.
type closeDisposition int

const (
	closeResume closeDisposition = iota
	closeReidentify
	closeFatal
)

func classifyCloseCode(code int) closeDisposition {
	switch {
	case fatalCloseCodes[code]:
		return closeFatal
	case nonResumableCloseCodes[code]:
		return closeReidentify
	default:
		return closeResume
	}
}

// CloseError reports that the server (or the engine itself, for zombied connections) closed the WebSocket.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed with code %d: %s", e.Code, e.Reason)
}

// FatalCloseError is a close code after which the engine must not reconnect. It is returned from Engine.Run.
type FatalCloseError struct {
	CloseError
}

// Sentinel errors for client-side failure modes.
var (
	ErrProtocolViolation = errors.New("gateway protocol violation")
	ErrConnectionClosed  = errors.New("gateway connection closed")
	ErrEngineClosed      = errors.New("gateway engine is closed")
	ErrNotConnected      = errors.New("gateway is not connected")
)
