package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/mesh"
)

const streamID = "aero-mesh"

// Track is a local sample track that can be muted. A muted track keeps its
// RTP sender but drops every sample written to it.
type Track struct {
	*webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newTrack(mimeType, id string) (*Track, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{TrackLocalStaticSample: inner}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

func (t *Track) WriteSample(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

// MediaOptions selects the files standing in for capture devices. Either may
// be empty.
type MediaOptions struct {
	AudioFile string // Ogg/Opus
	VideoFile string // IVF/VP8
	Logger    *slog.Logger
}

// LocalMedia is the participant's outgoing audio and video, shared by every
// peer connection. It satisfies mesh.LocalMedia.
type LocalMedia struct {
	audio *Track
	video *Track

	log      *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ mesh.LocalMedia = (*LocalMedia)(nil)

// OpenLocalMedia validates the configured sources and starts pacing them into
// their tracks. Failures wrap mesh.ErrCaptureUnavailable; callers may carry
// on without local media.
func OpenLocalMedia(ctx context.Context, opts MediaOptions) (*LocalMedia, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var audioSrc, videoSrc *fileSource
	if opts.AudioFile != "" {
		src, err := probeFile(opts.AudioFile, kindOgg)
		if err != nil {
			return nil, err
		}
		audioSrc = src
	}
	if opts.VideoFile != "" {
		src, err := probeFile(opts.VideoFile, kindIVF)
		if err != nil {
			return nil, err
		}
		videoSrc = src
	}

	m := &LocalMedia{log: logger.With("component", "local_media")}
	ctx, m.cancel = context.WithCancel(ctx)

	if audioSrc != nil {
		t, err := newTrack(webrtc.MimeTypeOpus, "audio")
		if err != nil {
			m.cancel()
			return nil, fmt.Errorf("%w: audio track: %v", mesh.ErrCaptureUnavailable, err)
		}
		m.audio = t
		m.start(ctx, audioSrc, t)
	}
	if videoSrc != nil {
		t, err := newTrack(webrtc.MimeTypeVP8, "video")
		if err != nil {
			m.Stop()
			return nil, fmt.Errorf("%w: video track: %v", mesh.ErrCaptureUnavailable, err)
		}
		m.video = t
		m.start(ctx, videoSrc, t)
	}
	return m, nil
}

func (m *LocalMedia) start(ctx context.Context, src *fileSource, t *Track) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := src.loop(ctx, t)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("media source stopped", "file", src.path, "err", err)
		}
	}()
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

// ToggleAudio flips the audio track and reports whether it is now enabled.
// Without an audio source it always reports false.
func (m *LocalMedia) ToggleAudio() bool { return toggle(m.audio) }

func (m *LocalMedia) ToggleVideo() bool { return toggle(m.video) }

func toggle(t *Track) bool {
	if t == nil {
		return false
	}
	v := !t.Enabled()
	t.SetEnabled(v)
	return v
}

// Stop disables both tracks and waits for the sources to wind down. It is
// idempotent.
func (m *LocalMedia) Stop() {
	m.stopOnce.Do(func() {
		if m.audio != nil {
			m.audio.SetEnabled(false)
		}
		if m.video != nil {
			m.video.SetEnabled(false)
		}
		m.cancel()
		m.wg.Wait()
	})
}
