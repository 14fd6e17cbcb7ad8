package media

import (
	"context"
	"errors"
	"testing"

	"call-signaling/internal/calls"
)

func TestStaticCapturer_VoiceNeedsAudioOnly(t *testing.T) {
	c := NewStaticCapturer(Devices{Audio: true}, nil)
	s, err := c.Acquire(context.Background(), calls.MediaVoice)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer s.Stop()

	if len(s.Tracks()) != 1 || s.Tracks()[0].Kind().String() != "audio" {
		t.Fatalf("expected one audio track, got %d", len(s.Tracks()))
	}
	if s.Kind() != calls.MediaVoice {
		t.Fatalf("expected voice, got %s", s.Kind())
	}
}

func TestStaticCapturer_VideoWithoutCamera(t *testing.T) {
	c := NewStaticCapturer(Devices{Audio: true}, nil)
	_, err := c.Acquire(context.Background(), calls.MediaVideo)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestStaticCapturer_VideoTracks(t *testing.T) {
	c := NewStaticCapturer(Devices{Audio: true, Video: true}, nil)
	s, err := c.Acquire(context.Background(), calls.MediaVideo)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer s.Stop()
	if len(s.Tracks()) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(s.Tracks()))
	}
	for _, tr := range s.Tracks() {
		if tr.StreamID() != s.ID() {
			t.Fatalf("track %s not in stream %s", tr.ID(), s.ID())
		}
	}
}

func TestStaticCapturer_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewStaticCapturer(Devices{Audio: true, Video: true}, nil)
	if _, err := c.Acquire(ctx, calls.MediaVoice); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLocalStream_StopIdempotent(t *testing.T) {
	c := NewStaticCapturer(Devices{Audio: true}, nil)
	s, err := c.Acquire(context.Background(), calls.MediaVoice)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s.Stop()
	s.Stop()
	if !s.(*LocalStream).Stopped() {
		t.Fatalf("expected stream stopped")
	}
}

func TestLocalStream_SetEnabled(t *testing.T) {
	c := NewStaticCapturer(Devices{Audio: true, Video: true}, nil)
	voice, err := c.Acquire(context.Background(), calls.MediaVoice)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer voice.Stop()
	ls := voice.(*LocalStream)

	if !ls.Enabled(TrackAudio) {
		t.Fatalf("expected audio enabled on acquire")
	}
	if err := ls.SetEnabled(TrackAudio, false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if ls.Enabled(TrackAudio) {
		t.Fatalf("expected audio muted")
	}
	if err := ls.SetEnabled(TrackVideo, false); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("expected ErrNoTrack for video on a voice stream, got %v", err)
	}

	video, err := c.Acquire(context.Background(), calls.MediaVideo)
	if err != nil {
		t.Fatalf("acquire video: %v", err)
	}
	defer video.Stop()
	if err := video.SetEnabled(TrackVideo, false); err != nil {
		t.Fatalf("camera off: %v", err)
	}
	if video.(*LocalStream).Enabled(TrackVideo) {
		t.Fatalf("expected video disabled")
	}
}
