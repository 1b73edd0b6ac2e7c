package result

import (
	"testing"

	"github.com/dklima/nanolambda/internal/serial"
)

func TestDecodeJson(t *testing.T) {
	r := Decode(serial.Frames{Json: &serial.Frame{Marker: serial.Json, Payload: `{"ok":true}`}}, "raw")
	if r.Kind != KindJson {
		t.Fatalf("kind = %v, want KindJson", r.Kind)
	}
}

func TestDecodeMalformedJsonFallsThroughToImage(t *testing.T) {
	r := Decode(serial.Frames{
		Json:  &serial.Frame{Marker: serial.Json, Payload: `{not json`},
		Image: &serial.Frame{Marker: serial.Image, Payload: "Zm9v"},
	}, "raw log")
	if r.Kind != KindImage {
		t.Fatalf("kind = %v, want KindImage", r.Kind)
	}
	if r.Image != "Zm9v" {
		t.Fatalf("image = %q", r.Image)
	}
}

func TestDecodeMalformedJsonWithoutImageIsFailure(t *testing.T) {
	r := Decode(serial.Frames{Json: &serial.Frame{Marker: serial.Json, Payload: `{not json`}}, "raw log")
	if r.Kind != KindFailure {
		t.Fatalf("kind = %v, want KindFailure", r.Kind)
	}
	if r.Text != "raw log" {
		t.Fatalf("text = %q", r.Text)
	}
}

func TestDecodeImage(t *testing.T) {
	r := Decode(serial.Frames{Image: &serial.Frame{Marker: serial.Image, Payload: "Zm9v"}}, "raw")
	if r.Kind != KindImage {
		t.Fatalf("kind = %v, want KindImage", r.Kind)
	}
	if r.Image != "Zm9v" {
		t.Fatalf("image = %q", r.Image)
	}
}

func TestDecodeNoFrameIsFailure(t *testing.T) {
	r := Decode(serial.Frames{}, "raw log")
	if r.Kind != KindFailure {
		t.Fatalf("kind = %v, want KindFailure", r.Kind)
	}
}
