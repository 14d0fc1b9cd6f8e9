package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Opcode identifies the type of a gateway frame. Values are wire constants shared with the server and must not be
// renumbered.
type Opcode int

const (
	OpcodeDispatch            Opcode = 0
	OpcodeHeartbeat           Opcode = 1
	OpcodeIdentify            Opcode = 2
	OpcodePresenceUpdate      Opcode = 3
	OpcodeVoiceStateUpdate    Opcode = 4
	OpcodeResume              Opcode = 6
	OpcodeReconnect           Opcode = 7
	OpcodeRequestGuildMembers Opcode = 8
	OpcodeInvalidSession      Opcode = 9
	OpcodeHello               Opcode = 10
	OpcodeHeartbeatACK        Opcode = 11
)

// Dispatch event types the engine inspects itself. All other event types pass through to the sink uninterpreted.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// Snowflake is a 64-bit gateway entity identifier. The server's wire convention is a base-10 string, so Snowflake
// marshals as a quoted decimal regardless of the internal integer representation.
type Snowflake uint64

// String returns the base-10 representation.
func (s Snowflake) String() string { return strconv.FormatUint(uint64(s), 10) }

// MarshalJSON encodes the snowflake as a base-10 string.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal forms. Some servers historically emitted bare integers.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	str := string(data)
	if len(str) >= 2 && str[0] == '"' && str[len(str)-1] == '"' {
		str = str[1 : len(str)-1]
	}
	v, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return fmt.Errorf("parse snowflake %q: %w", string(data), err)
	}
	*s = Snowflake(v)
	return nil
}

// Frame is the wire-format structure for all inbound WebSocket messages. Dispatch events (op 0) carry a sequence
// number and event type; control frames use only op and optionally d.
type Frame struct {
	Op   Opcode          `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Command is an outbound frame. Data is pre-serialised so that a heartbeat can carry an explicit JSON null while an
// ACK omits the field entirely.
type Command struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
}

// HelloData is the payload of an opcode 10 frame.
type HelloData struct {
	HeartbeatInterval int      `json:"heartbeat_interval"`
	Trace             []string `json:"_trace"`
}

// ReadyData is the subset of the READY dispatch payload the engine reads. The full payload (guilds, channels,
// presences) passes through to the event sink untouched.
type ReadyData struct {
	V         int             `json:"v"`
	SessionID json.RawMessage `json:"session_id"`
	Trace     []string        `json:"_trace"`
	User      json.RawMessage `json:"user"`
}

// ResumedData is the subset of the RESUMED dispatch payload the engine reads.
type ResumedData struct {
	Trace []string `json:"_trace"`
}

// IdentifyProperties describes the connecting platform in the IDENTIFY handshake. The dollar-prefixed keys are the
// server's wire convention.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Properties     IdentifyProperties `json:"properties"`
	Shard          []int              `json:"shard,omitempty"`
	Status         json.RawMessage    `json:"status,omitempty"`
}

type resumeData struct {
	Token     string          `json:"token"`
	SessionID json.RawMessage `json:"session_id"`
	Seq       int64           `json:"seq"`
}

type presenceUpdateData struct {
	Idle   *int64          `json:"idle"`
	Game   json.RawMessage `json:"game"`
	Status string          `json:"status"`
	AFK    bool            `json:"afk"`
}

type voiceStateUpdateData struct {
	GuildID   Snowflake  `json:"guild_id"`
	ChannelID *Snowflake `json:"channel_id"`
	SelfMute  bool       `json:"self_mute"`
	SelfDeaf  bool       `json:"self_deaf"`
}

type requestGuildMembersData struct {
	GuildID Snowflake `json:"guild_id"`
	Query   string    `json:"query"`
	Limit   int       `json:"limit"`
}

func mustCommand(op Opcode, payload any) Command {
	data, err := json.Marshal(payload)
	if err != nil {
		// All payload types above marshal without error; reaching this is a programming bug.
		panic(fmt.Sprintf("gateway: marshal op %d payload: %v", op, err))
	}
	return Command{Op: op, Data: data}
}

// NewHeartbeatCommand returns an opcode 1 command carrying the last seen sequence number, or an explicit null when no
// event has been received yet.
func NewHeartbeatCommand(seq *int64) Command {
	if seq == nil {
		return Command{Op: OpcodeHeartbeat, Data: json.RawMessage("null")}
	}
	return mustCommand(OpcodeHeartbeat, *seq)
}

// NewHeartbeatACKCommand returns an opcode 11 command. The data field is omitted entirely.
func NewHeartbeatACKCommand() Command {
	return Command{Op: OpcodeHeartbeatACK}
}

// NewIdentifyCommand returns an opcode 2 command establishing a fresh session. Shard coordinates are included only
// when shard is non-nil (a two-element [id, count] slice); an initial presence is included only when non-nil.
func NewIdentifyCommand(token string, largeThreshold int, props IdentifyProperties, shard []int, initialPresence json.RawMessage) Command {
	return mustCommand(OpcodeIdentify, identifyData{
		Token:          token,
		Compress:       false,
		LargeThreshold: largeThreshold,
		Properties:     props,
		Shard:          shard,
		Status:         initialPresence,
	})
}

// NewResumeCommand returns an opcode 6 command. The session id is echoed verbatim as captured from READY; the server
// may use strings or integers and the client treats it as opaque.
func NewResumeCommand(token string, sessionID json.RawMessage, seq int64) Command {
	return mustCommand(OpcodeResume, resumeData{Token: token, SessionID: sessionID, Seq: seq})
}

// NewPresenceUpdateCommand returns an opcode 3 command. A nil idle or activity is sent as JSON null.
func NewPresenceUpdateCommand(idleSince *int64, activity json.RawMessage, status string, afk bool) Command {
	if activity == nil {
		activity = json.RawMessage("null")
	}
	return mustCommand(OpcodePresenceUpdate, presenceUpdateData{
		Idle:   idleSince,
		Game:   activity,
		Status: status,
		AFK:    afk,
	})
}

// NewVoiceStateUpdateCommand returns an opcode 4 command. A nil channel id disconnects from voice.
func NewVoiceStateUpdateCommand(guildID Snowflake, channelID *Snowflake, selfMute, selfDeaf bool) Command {
	return mustCommand(OpcodeVoiceStateUpdate, voiceStateUpdateData{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	})
}

// NewRequestGuildMembersCommand returns an opcode 8 command. An empty query with limit 0 requests all members.
func NewRequestGuildMembersCommand(guildID Snowflake, query string, limit int) Command {
	return mustCommand(OpcodeRequestGuildMembers, requestGuildMembersData{
		GuildID: guildID,
		Query:   query,
		Limit:   limit,
	})
}
