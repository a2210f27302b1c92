package speech

import (
	"context"
	"errors"
	"testing"

	"lead-qualifier/internal/calls"
)

func TestGatherProvider_MapsCaptures(t *testing.T) {
	p := NewGatherProvider(0.4)
	ctx := context.Background()

	tr, err := p.Transcribe(ctx, Capture{SpeechText: "  yes I'm interested ", Confidence: 0.9})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if tr.Text != "yes I'm interested" || tr.Source != calls.SourceSpeech {
		t.Fatalf("unexpected transcript: %+v", tr)
	}

	tr, err = p.Transcribe(ctx, Capture{Digits: "1"})
	if err != nil || tr.Source != calls.SourceDTMF || tr.Text != "1" {
		t.Fatalf("expected dtmf transcript, got %+v %v", tr, err)
	}

	cases := []struct {
		name string
		in   Capture
		want ErrorKind
	}{
		{"timeout", Capture{TimedOut: true, SpeechText: "ignored"}, ErrTimeout},
		{"empty", Capture{SpeechText: "   "}, ErrNoSpeech},
		{"low confidence", Capture{SpeechText: "mumble", Confidence: 0.1}, ErrNoSpeech},
	}
	for _, tc := range cases {
		_, err := p.Transcribe(ctx, tc.in)
		if KindOf(err) != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want, err)
		}
	}
}

func TestGatherProvider_CanceledContextIsProviderFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGatherProvider(0).Transcribe(ctx, Capture{SpeechText: "yes"})
	if KindOf(err) != ErrProviderFailure {
		t.Fatalf("expected provider_failure, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled")
	}
}

func TestKindOf_UnknownErrorIsProviderFailure(t *testing.T) {
	if KindOf(errors.New("boom")) != ErrProviderFailure {
		t.Fatalf("expected provider_failure")
	}
}
