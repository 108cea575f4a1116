package nlu

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"darko/pkg/protocol"
)

var devices = []Device{
	{Name: "lamp", Aliases: []string{"night lamp", "desk lamp"}, Shard: "VERTEX", Noun: "LAMP"},
	{Name: "led", Aliases: []string{"strip"}, Shard: "VERTEX", Noun: "LED"},
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		intent  string
		device  string
		wantErr bool
	}{
		{"plain", `{"intent":"turn_on","entities":{"device":"lamp"},"query":"turn on the lamp"}`, "turn_on", "lamp", false},
		{"fenced", "```json\n{\"intent\":\"stop\",\"entities\":{\"device\":null}}\n```", "stop", "", false},
		{"missing intent", `{"entities":{}}`, "unknown", "", false},
		{"empty", "  ", "", "", true},
		{"prose", "Sure! The lamp is on.", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResult(%q) error = %v, wantErr %v", tt.content, err, tt.wantErr)
			}
			if got.Intent != tt.intent || got.Device() != tt.device {
				t.Errorf("ParseResult(%q) = %q/%q, want %q/%q", tt.content, got.Intent, got.Device(), tt.intent, tt.device)
			}
		})
	}
}

func TestFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		res     Result
		want    string
		wantErr error
	}{
		{"on", Result{Intent: "turn_on", Entities: map[string]any{"device": "lamp"}}, "VERTEX:ON:LAMP:", nil},
		{"brightness clamps", Result{Intent: "set_brightness", Entities: map[string]any{"device": "led", "brightness": 300.0}}, "VERTEX:SET:LED:255:", nil},
		{"mode words", Result{Intent: "set_mode", Entities: map[string]any{"device": "led", "mode": "warm white"}}, "VERTEX:MODE:LED:warm:white:", nil},
		{"unknown intent", Result{Intent: "dance", Entities: map[string]any{"device": "lamp"}}, "", ErrUnknownIntent},
		{"unknown device", Result{Intent: "turn_off", Entities: map[string]any{"device": "kettle"}}, "", ErrUnknownDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Frame(tt.res, devices)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Frame() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("Frame() = %q, want %q", got.String(), tt.want)
			}
		})
	}

	if _, err := Frame(Result{Intent: "set_brightness", Entities: map[string]any{"device": "led"}}, devices); err == nil {
		t.Error("Frame accepted set_brightness without a value")
	}
}

type fakeTransceiver struct {
	sent  []any
	reply *protocol.Message
	err   error
}

func (f *fakeTransceiver) TransmitReceive(_ context.Context, v any) (*protocol.Message, error) {
	f.sent = append(f.sent, v)
	return f.reply, f.err
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	res := Result{Intent: "turn_on", Entities: map[string]any{"device": "lamp"}}

	tr := &fakeTransceiver{reply: &protocol.Message{To: "DARKO", Verb: "OK", Noun: "LAMP", From: "VERTEX"}}
	got, err := Dispatch(context.Background(), tr, res, devices)
	if err != nil {
		t.Fatal(err)
	}
	if got != "DARKO:OK:LAMP:VERTEX" || len(tr.sent) != 1 {
		t.Errorf("Dispatch = %q after %d frames", got, len(tr.sent))
	}

	tr = &fakeTransceiver{reply: &protocol.Message{To: "DARKO", Verb: "ERR", Noun: "BUSY", From: "VERTEX"}}
	if _, err := Dispatch(context.Background(), tr, res, devices); err == nil {
		t.Error("Dispatch ignored an ERR reply")
	}

	tr = &fakeTransceiver{}
	if _, err := Dispatch(context.Background(), tr, Result{Intent: "unknown"}, devices); !errors.Is(err, ErrUnknownIntent) {
		t.Errorf("Dispatch = %v, want ErrUnknownIntent", err)
	}
	if len(tr.sent) != 0 {
		t.Error("an unclassified command reached the actuator")
	}
}

func TestSystemPrompt_ListsDevices(t *testing.T) {
	t.Parallel()

	p := SystemPrompt(devices)
	for _, want := range []string{`"lamp" = night lamp, desk lamp`, `"led" = strip`} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt lacks %q", want)
		}
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-5-nano",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant",
			"content":"{\"intent\":\"turn_off\",\"entities\":{\"device\":\"lamp\"},\"query\":\"lamp off\"}"}}]}`)
	}))
	defer srv.Close()

	client := openai.NewClient(option.WithAPIKey("test"), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	a := NewAnalyzer(client, "", devices)

	res, err := a.Analyze(context.Background(), "lamp off")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Intent != "turn_off" || res.Device() != "lamp" {
		t.Errorf("Analyze = %+v", res)
	}
	if !strings.Contains(body, `"model":"gpt-5-nano"`) || !strings.Contains(body, "lamp off") {
		t.Errorf("request body = %s", body)
	}

	msg, err := Frame(res, devices)
	if err != nil || !slices.Equal(strings.Split(msg.String(), ":")[:3], []string{"VERTEX", "OFF", "LAMP"}) {
		t.Errorf("Frame = %q, %v", msg.String(), err)
	}
}
