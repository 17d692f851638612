package guestchannel

import (
	"encoding/json"
	"fmt"
)

// DecodeProgress unmarshals an Inbound of TypeProgress. Callers should
// check in.Type before calling.
func DecodeProgress(raw json.RawMessage) (Progress, error) {
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return Progress{}, fmt.Errorf("guestchannel: decode progress: %w", err)
	}
	return p, nil
}

// DecodeResult unmarshals an Inbound of TypeResult.
func DecodeResult(raw json.RawMessage) (Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("guestchannel: decode result: %w", err)
	}
	return r, nil
}

// DecodeError unmarshals an Inbound of TypeError.
func DecodeError(raw json.RawMessage) (GuestError, error) {
	var e GuestError
	if err := json.Unmarshal(raw, &e); err != nil {
		return GuestError{}, fmt.Errorf("guestchannel: decode error: %w", err)
	}
	return e, nil
}

// DecodeToolCall unmarshals an Inbound of TypeToolCall.
func DecodeToolCall(raw json.RawMessage) (ToolCall, error) {
	var c ToolCall
	if err := json.Unmarshal(raw, &c); err != nil {
		return ToolCall{}, fmt.Errorf("guestchannel: decode tool_call: %w", err)
	}
	return c, nil
}
