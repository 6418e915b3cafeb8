package webrtcpeer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/mesh"
)

const (
	opusSampleRate    = 48000
	defaultOggPage    = 20 * time.Millisecond
	defaultVideoFrame = time.Second / 30
	maxPacingDuration = time.Second
	opusTagsSignature = "OpusTags"
	vp8FourCC         = "VP80"
)

type sourceKind int

const (
	kindOgg sourceKind = iota
	kindIVF
)

type sampleWriter interface {
	WriteSample(media.Sample) error
}

// fileSource replays a media file in a loop, paced by its own timestamps.
type fileSource struct {
	path string
	kind sourceKind
}

// probeFile opens path once and parses its header so a bad file is reported
// up front instead of from a background goroutine.
func probeFile(path string, kind sourceKind) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesh.ErrCaptureUnavailable, err)
	}
	defer f.Close()

	switch kind {
	case kindOgg:
		if _, _, err := oggreader.NewWith(f); err != nil {
			return nil, fmt.Errorf("%w: %s: parse ogg: %v", mesh.ErrCaptureUnavailable, path, err)
		}
	case kindIVF:
		_, header, err := ivfreader.NewWith(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: parse ivf: %v", mesh.ErrCaptureUnavailable, path, err)
		}
		if header.FourCC != vp8FourCC {
			return nil, fmt.Errorf("%w: %s: unsupported codec %q (want %s)", mesh.ErrCaptureUnavailable, path, header.FourCC, vp8FourCC)
		}
	}
	return &fileSource{path: path, kind: kind}, nil
}

func (s *fileSource) loop(ctx context.Context, w sampleWriter) error {
	for {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return err
		}
		var n int
		switch s.kind {
		case kindOgg:
			n, err = playOgg(ctx, bytes.NewReader(data), w)
		case kindIVF:
			n, err = playIVF(ctx, bytes.NewReader(data), w)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("no samples in file")
		}
	}
}

// playOgg writes every Opus page of r to w and returns the number written.
func playOgg(ctx context.Context, r io.Reader, w sampleWriter) (int, error) {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return 0, err
	}

	var (
		written     int
		lastGranule uint64
	)
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if bytes.HasPrefix(page, []byte(opusTagsSignature)) {
			continue
		}

		d := defaultOggPage
		if header.GranulePosition > lastGranule {
			d = time.Duration(header.GranulePosition-lastGranule) * time.Second / opusSampleRate
		}
		lastGranule = header.GranulePosition

		if err := w.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
			return written, err
		}
		written++
		if err := pace(ctx, d); err != nil {
			return written, err
		}
	}
}

// playIVF writes every VP8 frame of r to w and returns the number written.
func playIVF(ctx context.Context, r io.Reader, w sampleWriter) (int, error) {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return 0, err
	}

	tick := defaultVideoFrame
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		tick = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}

	var (
		written int
		lastTS  uint64
	)
	for {
		frame, frameHeader, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		d := tick
		if written > 0 && frameHeader.Timestamp > lastTS {
			d = time.Duration(frameHeader.Timestamp-lastTS) * tick
		}
		lastTS = frameHeader.Timestamp

		if err := w.WriteSample(media.Sample{Data: frame, Duration: d}); err != nil {
			return written, err
		}
		written++
		if err := pace(ctx, d); err != nil {
			return written, err
		}
	}
}

func pace(ctx context.Context, d time.Duration) error {
	if d > maxPacingDuration {
		d = maxPacingDuration
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
