package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MinFrameSize is the minimum plausible length of a serialized message.
// Anything shorter is treated as a partially-written or truncated frame,
// which the file binding can observe mid-write.
const MinFrameSize = 16

// ErrBadFrame marks a payload that is not a complete JSON object of
// plausible size. Such frames are discarded, never fatal.
var ErrBadFrame = errors.New("wire: bad frame")

// ValidateFrame rejects payloads that do not parse as a single JSON
// object with minimum plausible size
func ValidateFrame(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) < MinFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrBadFrame, len(trimmed))
	}
	if trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return fmt.Errorf("%w: not a JSON object", ErrBadFrame)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: invalid JSON", ErrBadFrame)
	}
	return nil
}

// DecodeEnvelope validates and parses a telemetry frame
func DecodeEnvelope(payload []byte) (Envelope, error) {
	if err := ValidateFrame(payload); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	switch env.Kind {
	case EnvTick, EnvResult, EnvHeartbeat, EnvSnapshot:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown envelope kind %q", ErrBadFrame, env.Kind)
	}
	if env.SessionID == "" {
		return Envelope{}, fmt.Errorf("%w: missing session_id", ErrBadFrame)
	}
	return env, nil
}

// DecodeCommand validates and parses a command frame
func DecodeCommand(payload []byte) (Command, error) {
	if err := ValidateFrame(payload); err != nil {
		return Command{}, err
	}
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return cmd, nil
}
