// Package serial implements the Serial Output Framer (C5): extracting
// marker-delimited payloads from the guest's serial console log, and the
// best-effort SNAPSHOT_READY handshake wait used by the pre-warm tool.
package serial

import (
	"os"
	"strings"
	"time"

	"github.com/dklima/nanolambda/internal/config"
)

// Marker names a framed payload label.
type Marker string

const (
	Json  Marker = "JSON_RESULT"
	Image Marker = "BASE64_IMAGE"
)

// ReadyMarker is the bare handshake line emitted by a pre-warm guest.
const ReadyMarker = "SNAPSHOT_READY"

// Frame is one extracted `<Marker>_START ... <Marker>_END` payload, with
// surrounding whitespace stripped (the frame round-trip law in
// spec.md §8).
type Frame struct {
	Marker  Marker
	Payload string
}

// Frames holds every frame found in one serial log, keyed by marker. The
// Result Decoder needs both, not just the higher-precedence one: a
// malformed JSON_RESULT payload must fall through to a coexisting
// BASE64_IMAGE frame rather than being reported as a failure outright
// (spec.md §4.8 step 1).
type Frames struct {
	Json  *Frame
	Image *Frame
}

// Extract reads the entire serial log and returns every frame present. A
// marker with a START but no matching END is a truncated frame and is
// omitted, matching the "Failure(raw_log)" boundary behavior in
// spec.md §8.
func Extract(logPath string) (Frames, error) {
	raw, err := os.ReadFile(logPath)
	if err != nil {
		return Frames{}, err
	}
	content := string(raw)

	var frames Frames
	if f, found := extractMarker(content, Json); found {
		frames.Json = &f
	}
	if f, found := extractMarker(content, Image); found {
		frames.Image = &f
	}
	return frames, nil
}

func extractMarker(content string, m Marker) (Frame, bool) {
	start := string(m) + "_START"
	end := string(m) + "_END"

	startIdx := strings.Index(content, start)
	if startIdx < 0 {
		return Frame{}, false
	}
	afterStart := startIdx + len(start)

	endIdx := strings.Index(content[afterStart:], end)
	if endIdx < 0 {
		// Truncated frame: START without END.
		return Frame{}, false
	}
	payload := content[afterStart : afterStart+endIdx]
	return Frame{Marker: m, Payload: strings.TrimSpace(payload)}, true
}

// WaitForReady polls logPath under the given policy until the
// SNAPSHOT_READY handshake is observed, the log has gone quiet for
// stabilityWindow, or timeout elapses — whichever the policy allows to
// return first (spec.md §4.5, §9 SnapshotReadyPolicy).
func WaitForReady(logPath string, timeout, stabilityWindow time.Duration, policy config.SnapshotReadyPolicy) bool {
	const sampleInterval = 100 * time.Millisecond
	stableSamplesNeeded := int(stabilityWindow / sampleInterval)

	deadline := time.Now().Add(timeout)
	var lastSize int64
	stableSamples := 0

	for {
		if content, err := os.ReadFile(logPath); err == nil {
			size := int64(len(content))
			if strings.Contains(string(content), ReadyMarker) {
				return true
			}
			if policy != config.StrictMarker {
				if size == lastSize && size > 0 {
					stableSamples++
					if stableSamples >= stableSamplesNeeded {
						return true
					}
				} else {
					stableSamples = 0
				}
			}
			lastSize = size
		}

		if time.Now().After(deadline) {
			break
		}
		time.Sleep(sampleInterval)
	}

	return policy == config.BestEffort
}
