package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/halcyonlabs/murmur/pkg/provider/stt"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestNew_Defaults(t *testing.T) {
	r, err := New("key")
	if err != nil {
		t.Fatal(err)
	}
	if r.model != "nova-3" || r.language != "en" || r.sampleRate != 16000 {
		t.Errorf("defaults = %s/%s/%d", r.model, r.language, r.sampleRate)
	}
}

func TestBuildURL(t *testing.T) {
	r, _ := New("key", WithModel("base"), WithLanguage("de"))
	got, err := r.buildURL(stt.StreamConfig{SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"model=base",
		"language=de",
		"sample_rate=8000",
		"channels=1",
		"interim_results=true",
		"encoding=linear16",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("URL %q missing %q", got, want)
		}
	}
}

func TestBuildURL_ConfigOverridesDefaults(t *testing.T) {
	r, _ := New("key")
	got, _ := r.buildURL(stt.StreamConfig{Language: "fr"})
	if !strings.Contains(got, "language=fr") {
		t.Errorf("URL %q should use config language", got)
	}
	if !strings.Contains(got, "sample_rate=16000") {
		t.Errorf("URL %q should fall back to default sample rate", got)
	}
}

// echoServer speaks just enough of the Deepgram protocol for session tests:
// every binary frame is answered with a final result, and a text message
// (CloseStream) makes the server close the socket like Deepgram does after a
// flush.
func echoServer(t *testing.T) *Recognizer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			typ, _, err := c.Read(req.Context())
			if err != nil || typ == websocket.MessageText {
				return
			}
			msg := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"buy milk","confidence":0.9}]}}`
			if err := c.Write(req.Context(), websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	r, err := New("key", WithEndpoint("ws://"+strings.TrimPrefix(srv.URL, "http://")))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestStartStream_OutlivesCallerContext(t *testing.T) {
	r := echoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := r.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	// The Start context covers the dial only. Cancelling it must not kill
	// the live session.
	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := sess.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio after caller context cancel: %v", err)
	}
	select {
	case seg := <-sess.Segments():
		if seg.Text != "buy milk" || !seg.IsFinal {
			t.Errorf("segment = %+v", seg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no segment arrived; session died with the caller context")
	}
}

func TestSession_SendAudioFailsAfterConnectionDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		c.CloseNow()
	}))
	defer srv.Close()

	r, err := New("key", WithEndpoint("ws://"+strings.TrimPrefix(srv.URL, "http://")))
	if err != nil {
		t.Fatal(err)
	}
	sess, err := r.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}

	// Once the connection is gone SendAudio must start returning errors
	// instead of blocking on a writer that no longer exists.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := sess.SendAudio(make([]byte, 320)); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("SendAudio never failed after the connection dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		sess.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung on a dead connection")
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantOK  bool
		wantSeg stt.Segment
	}{
		{
			name:   "final result",
			json:   `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"buy milk","confidence":0.97}]}}`,
			wantOK: true,
			wantSeg: stt.Segment{
				Text: "buy milk", IsFinal: true, Confidence: 0.97,
			},
		},
		{
			name:   "interim result",
			json:   `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"buy","confidence":0.5}]}}`,
			wantOK: true,
			wantSeg: stt.Segment{
				Text: "buy", IsFinal: false, Confidence: 0.5,
			},
		},
		{name: "metadata message", json: `{"type":"Metadata"}`, wantOK: false},
		{name: "no alternatives", json: `{"type":"Results","channel":{"alternatives":[]}}`, wantOK: false},
		{name: "malformed", json: `{{{`, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg, ok := parseResponse([]byte(tt.json))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && seg != tt.wantSeg {
				t.Errorf("segment = %+v, want %+v", seg, tt.wantSeg)
			}
		})
	}
}
