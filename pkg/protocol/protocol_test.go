package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		want    *Message
		wantErr bool
	}{
		{
			name: "command with args",
			line: "VERTEX:invoke:command:turn:on:lamp:DARKO\n",
			want: &Message{To: "VERTEX", Verb: "INVOKE", Noun: "COMMAND", Args: []string{"turn", "on", "lamp"}, From: "DARKO"},
		},
		{
			name: "broadcast without args",
			line: "ALL:PING:HUB:HUB",
			want: &Message{To: "ALL", Verb: "PING", Noun: "HUB", Args: []string{}, From: "HUB"},
		},
		{name: "hex id", line: "1f:OK:LAMP:0A", want: &Message{To: "1f", Verb: "OK", Noun: "LAMP", Args: []string{}, From: "0A"}},
		{name: "empty", line: "  ", wantErr: true},
		{name: "too few fields", line: "A:B:C", wantErr: true},
		{name: "inner space", line: "A:B C:D:E", wantErr: true},
		{name: "bad arg", line: "A:B:C:x/y:E", wantErr: true},
		{name: "bad sender", line: "A:B:C:@", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.To != tt.want.To || got.Verb != tt.want.Verb || got.Noun != tt.want.Noun ||
				got.From != tt.want.From || !slices.Equal(got.Args, tt.want.Args) {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestMessage_StringRoundTrip(t *testing.T) {
	t.Parallel()

	m := Message{To: "VERTEX", Verb: "ON", Noun: "LAMP", Args: []string{"200"}, From: "DARKO"}
	if got, want := m.String(), "VERTEX:ON:LAMP:200:DARKO"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	back, err := Parse(m.String())
	if err != nil {
		t.Fatal(err)
	}
	if back.String() != m.String() {
		t.Errorf("Parse(String()) = %q", back.String())
	}

	m.Error("BUSY", "retry")
	if !m.IsError() || m.String() != "VERTEX:ERR:BUSY:retry:DARKO" {
		t.Errorf("after Error: %q", m.String())
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want []string
	}{
		{"turn on the lamp", []string{"turn", "on", "the", "lamp"}},
		{"  what's   up?! ", []string{"whats", "up"}},
		{"set 21.5 degrees", []string{"set", "21.5", "degrees"}},
		{"!!! ...", []string{"..."}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := Args(tt.text); !slices.Equal(got, tt.want) {
			t.Errorf("Args(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

// hub accepts one connection, forwards received frames to got and writes
// whatever arrives on send.
func hub(t *testing.T) (url string, got <-chan string, send chan<- string) {
	t.Helper()

	in := make(chan string, 16)
	out := make(chan string, 16)
	up := ws.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for frame := range out {
				if conn.WriteMessage(ws.TextMessage, []byte(frame)) != nil {
					return
				}
			}
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			in <- string(msg)
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), in, out
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestProtocol_Exchange(t *testing.T) {
	t.Parallel()

	url, got, send := hub(t)
	emitted := make(chan *Message, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ptcl, err := New(ctx, Config{Shard: "DARKO", URL: url, EmitOut: func(m *Message) { emitted <- m }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- ptcl.Run(ctx) }()

	if err := ptcl.Transmit([]string{"VERTEX", "INVOKE", "COMMAND", "lamp"}); err != nil {
		t.Fatal(err)
	}
	if frame := recv(t, got); frame != "VERTEX:INVOKE:COMMAND:lamp:DARKO" {
		t.Errorf("hub got %q", frame)
	}

	go func() {
		<-got
		send <-"OTHER:OK:LAMP:VERTEX"
		send <- "DARKO:OK:LAMP:VERTEX"
	}()
	reply, err := ptcl.TransmitReceive(ctx, Message{To: "VERTEX", Verb: "ON", Noun: "LAMP"})
	if err != nil {
		t.Fatalf("TransmitReceive: %v", err)
	}
	if reply.String() != "DARKO:OK:LAMP:VERTEX" {
		t.Errorf("reply = %q", reply.String())
	}

	send <- "ALL:PING:HUB:HUB"
	if m := recv(t, emitted); m.Verb != "PING" {
		t.Errorf("emitted %q", m.String())
	}

	cancel()
	if err := recv(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestNew_InvalidShard(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{Shard: "a:b", URL: "ws://127.0.0.1:1"}); err == nil {
		t.Error("New accepted a shard with a separator")
	}
}
