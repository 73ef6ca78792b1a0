package mediastream_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/taliaworks/pipecat-bridge/pkg/mediastream"
)

func TestParseEnvelope_Start(t *testing.T) {
	t.Parallel()

	raw := `{
		"event": "start",
		"streamSid": "MZ123",
		"start": {
			"streamSid": "MZ123",
			"customParameters": {
				"interaction_id": "int-42",
				"caller_id": "+393331234567",
				"business_hours": "08:00::20:00::Europe/Rome::OPEN"
			}
		}
	}`
	env, err := mediastream.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Event != mediastream.EventStart {
		t.Errorf("event: want %q, got %q", mediastream.EventStart, env.Event)
	}
	if env.StreamSID != "MZ123" {
		t.Errorf("streamSid: want %q, got %q", "MZ123", env.StreamSID)
	}
	if env.Start == nil {
		t.Fatal("start payload missing")
	}
	if got := env.Start.InteractionID(); got != "int-42" {
		t.Errorf("interaction id: want %q, got %q", "int-42", got)
	}
	if got := env.Start.CallerID(); got != "+393331234567" {
		t.Errorf("caller id: want %q, got %q", "+393331234567", got)
	}
	if got := mediastream.ParseBusinessStatus(env.Start.BusinessHours()); got != mediastream.StatusOpen {
		t.Errorf("business status: want %q, got %q", mediastream.StatusOpen, got)
	}
}

func TestParseEnvelope_Media(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F, 0x00})
	raw := `{"event":"media","media":{"track":"inbound","payload":"` + payload + `"}}`
	env, err := mediastream.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Event != mediastream.EventMedia {
		t.Errorf("event: want %q, got %q", mediastream.EventMedia, env.Event)
	}
	if env.Media == nil {
		t.Fatal("media payload missing")
	}
	if env.Media.Track != mediastream.TrackInbound {
		t.Errorf("track: want %q, got %q", mediastream.TrackInbound, env.Media.Track)
	}
	ulaw, err := env.Media.DecodePayload()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(ulaw) != 3 || ulaw[0] != 0xFF {
		t.Errorf("unexpected payload bytes: %v", ulaw)
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{"truncated", `{"event":"med`},
		{"not json", `hello`},
		{"wrong type", `[1,2,3]`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := mediastream.ParseEnvelope([]byte(tc.data))
			if !errors.Is(err, mediastream.ErrMalformedFrame) {
				t.Fatalf("want ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestDecodePayload_InvalidBase64(t *testing.T) {
	t.Parallel()

	m := mediastream.MediaPayload{Payload: "!!not base64!!"}
	if _, err := m.DecodePayload(); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestNewOutboundMedia(t *testing.T) {
	t.Parallel()

	sentAt := time.UnixMilli(1718000000123)
	ulaw := []byte{0x01, 0x02, 0x03, 0x04}
	env := mediastream.NewOutboundMedia("MZ9", 7, sentAt, ulaw)

	if env.Event != mediastream.EventMedia {
		t.Errorf("event: want %q, got %q", mediastream.EventMedia, env.Event)
	}
	if env.StreamSID != "MZ9" {
		t.Errorf("streamSid: want %q, got %q", "MZ9", env.StreamSID)
	}
	if env.Media.Track != mediastream.TrackOutbound {
		t.Errorf("track: want %q, got %q", mediastream.TrackOutbound, env.Media.Track)
	}
	if env.Media.Chunk != "7" {
		t.Errorf("chunk: want %q, got %q", "7", env.Media.Chunk)
	}
	if env.Media.Timestamp != "1718000000123" {
		t.Errorf("timestamp: want %q, got %q", "1718000000123", env.Media.Timestamp)
	}
	decoded, err := env.Media.DecodePayload()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(decoded) != len(ulaw) || decoded[0] != 0x01 {
		t.Errorf("payload round trip failed: %v", decoded)
	}

	// The envelope must serialize with wire-exact field names.
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"event":"media"`, `"streamSid":"MZ9"`, `"track":"outbound"`, `"chunk":"7"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("marshalled frame missing %s: %s", field, data)
		}
	}
}

func TestNewEscalationStop(t *testing.T) {
	t.Parallel()

	env := mediastream.NewEscalationStop("MZ9", "sum::neutral::transfer::0::1|1|5")
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"event":"stop"`, `"streamSid":"MZ9"`, `"command":"escalate"`, `"ringGroup":"sum::neutral::transfer::0::1|1|5"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("marshalled frame missing %s: %s", field, data)
		}
	}
}

func TestParseBusinessStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		hours string
		want  mediastream.BusinessStatus
	}{
		{"open", "08:00::20:00::Europe/Rome::open", mediastream.StatusOpen},
		{"uppercase normalized", "08:00::20:00::Europe/Rome::OPEN", mediastream.StatusOpen},
		{"close", "08:00::20:00::Europe/Rome::close", mediastream.StatusClosed},
		{"after hours", "08:00::20:00::Europe/Rome::After_Hours", mediastream.StatusAfterHours},
		{"padded", "08:00::20:00::Europe/Rome:: open ", mediastream.StatusOpen},
		{"three fields", "08:00::20:00::open", mediastream.StatusClosed},
		{"empty string", "", mediastream.StatusClosed},
		{"empty status field", "08:00::20:00::Europe/Rome::", mediastream.StatusClosed},
		{"unknown passes through", "a::b::c::maybe", mediastream.BusinessStatus("maybe")},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := mediastream.ParseBusinessStatus(tc.hours); got != tc.want {
				t.Errorf("status: want %q, got %q", tc.want, got)
			}
		})
	}
}
