// Package result implements the Result Decoder (C8): classifying an
// extracted serial frame (or its absence) into the tagged Result variant
// spec.md §3/§4.8 defines.
package result

import (
	"encoding/json"

	"github.com/dklima/nanolambda/internal/serial"
)

// Kind discriminates the Result variant.
type Kind int

const (
	KindJson Kind = iota
	KindImage
	KindRaw
	KindFailure
)

// Result is the tagged variant returned to the invocation's caller.
type Result struct {
	Kind  Kind
	Json  any
	Image string
	Text  string
}

// Decode classifies the frames found in one serial log against the raw
// log text. JSON is attempted first; a parse failure falls through to a
// coexisting image frame per spec.md §4.8 step 1 (mirroring the original
// parse_output's `except json.JSONDecodeError: pass` into the image
// branch) before finally falling back to Failure(raw_log) per §7's
// DecodeError handling, when no other frame is available.
func Decode(frames serial.Frames, rawLog string) Result {
	if frames.Json != nil {
		var parsed any
		if err := json.Unmarshal([]byte(frames.Json.Payload), &parsed); err == nil {
			return Result{Kind: KindJson, Json: parsed}
		}
	}
	if frames.Image != nil {
		return Result{Kind: KindImage, Image: frames.Image.Payload}
	}
	return Result{Kind: KindFailure, Text: rawLog}
}
