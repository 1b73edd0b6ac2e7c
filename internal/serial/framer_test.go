package serial

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dklima/nanolambda/internal/config"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serial.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractReturnsBothFrames(t *testing.T) {
	path := writeLog(t, "boot diagnostics\n"+
		"BASE64_IMAGE_START\nZm9v\nBASE64_IMAGE_END\n"+
		"JSON_RESULT_START\n{\"ok\":true}\nJSON_RESULT_END\n")

	frames, err := Extract(path)
	if err != nil {
		t.Fatal(err)
	}
	if frames.Json == nil {
		t.Fatal("expected a json frame")
	}
	if frames.Json.Payload != `{"ok":true}` {
		t.Fatalf("json payload = %q", frames.Json.Payload)
	}
	if frames.Image == nil {
		t.Fatal("expected an image frame")
	}
	if frames.Image.Payload != "Zm9v" {
		t.Fatalf("image payload = %q", frames.Image.Payload)
	}
}

func TestExtractNoFrame(t *testing.T) {
	path := writeLog(t, "nothing of interest here\n")
	frames, err := Extract(path)
	if err != nil {
		t.Fatal(err)
	}
	if frames.Json != nil || frames.Image != nil {
		t.Fatal("expected no frames")
	}
}

func TestExtractTruncatedFrame(t *testing.T) {
	path := writeLog(t, "JSON_RESULT_START\n{\"ok\":true}\n")
	frames, err := Extract(path)
	if err != nil {
		t.Fatal(err)
	}
	if frames.Json != nil {
		t.Fatal("expected truncated frame to be omitted")
	}
}

func TestWaitForReadyMarker(t *testing.T) {
	path := writeLog(t, "booting\nSNAPSHOT_READY\n")
	if !WaitForReady(path, time.Second, 200*time.Millisecond, config.StrictMarker) {
		t.Fatal("expected marker to be found immediately")
	}
}

func TestWaitForReadyBestEffortTimesOutTrue(t *testing.T) {
	path := writeLog(t, "booting forever\n")
	start := time.Now()
	ok := WaitForReady(path, 150*time.Millisecond, 10*time.Second, config.BestEffort)
	if !ok {
		t.Fatal("best-effort policy must return true at hard timeout")
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("should have waited roughly until the timeout")
	}
}

func TestWaitForReadyStrictMarkerTimesOutFalse(t *testing.T) {
	path := writeLog(t, "booting forever\n")
	ok := WaitForReady(path, 150*time.Millisecond, 10*time.Second, config.StrictMarker)
	if ok {
		t.Fatal("strict-marker policy must not return true without the marker")
	}
}
