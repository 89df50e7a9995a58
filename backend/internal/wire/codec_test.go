package wire

import (
	"errors"
	"testing"

	"canvasCollab/backend/internal/scene"
)

func TestCanvasUpdateRoundTrip(t *testing.T) {
	in := &Message{
		Type: TypeCanvasUpdate,
		Elements: []scene.Element{{
			ID:           "r1",
			Type:         scene.TypeLine,
			Version:      3,
			VersionNonce: 123456,
			Points:       [][2]float64{{0, 0}, {10, 5}},
			CustomData:   map[string]any{"tag": "draft"},
		}},
		AppState: &scene.BroadcastState{Name: "board"},
		Files:    scene.FileMap{"f1": {ID: "f1", MimeType: "image/png", DataURL: "data:image/png;base64,AAAA"}},
		Seq:      7,
		SenderID: "peer-a",
	}

	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if out.Seq != 7 || out.SenderID != "peer-a" {
		t.Fatalf("header mismatch: %+v", out)
	}
	if len(out.Elements) != 1 {
		t.Fatalf("elements = %d, want 1", len(out.Elements))
	}
	got := out.Elements[0]
	if got.ID != "r1" || got.Version != 3 || got.VersionNonce != 123456 {
		t.Fatalf("element mismatch: %+v", got)
	}
	if len(got.Points) != 2 || got.Points[1] != [2]float64{10, 5} {
		t.Fatalf("points mismatch: %+v", got.Points)
	}
	if got.CustomData["tag"] != "draft" {
		t.Fatalf("customData mismatch: %#v", got.CustomData)
	}
	if out.AppState == nil || out.AppState.Name != "board" {
		t.Fatalf("appState mismatch: %+v", out.AppState)
	}
	if out.Files["f1"].MimeType != "image/png" {
		t.Fatalf("files mismatch: %+v", out.Files)
	}
}

func TestInitCarriesSnapshot(t *testing.T) {
	in := &Message{
		Type:        TypeInit,
		State:       &scene.Snapshot{Elements: []scene.Element{{ID: "a", Version: 1}}},
		ActiveUsers: 2,
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.State == nil || len(out.State.Elements) != 1 || out.ActiveUsers != 2 {
		t.Fatalf("init mismatch: %+v", out)
	}
}

func TestUnknownType(t *testing.T) {
	if _, err := Encode(&Message{Type: "chat"}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Encode err = %v, want ErrUnknownType", err)
	}

	// 手工构造一个合法的 msgpack 帧但 type 未知
	var raw []byte
	raw = append(raw, 0x81, 0xa4)
	raw = append(raw, "type"...)
	raw = append(raw, 0xa4)
	raw = append(raw, "chat"...)
	if _, err := Decode(raw); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Decode err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xc1})
	if err == nil {
		t.Fatalf("expected error for invalid frame")
	}
	if errors.Is(err, ErrUnknownType) {
		t.Fatalf("garbage should be a decode error, got %v", err)
	}
}
