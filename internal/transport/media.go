package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/util"
)

const (
	opusFrame     = 20 * time.Millisecond
	syntheticRate = 33 * time.Millisecond // ~30 fps
	streamID      = "duocall"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaConfig selects where local media comes from. Empty paths use a
// synthetic generator for that kind.
type MediaConfig struct {
	AudioFile string // Ogg/Opus
	VideoFile string // IVF/VP8
}

// MediaSource produces one Opus and one VP8 track per Acquire.
type MediaSource struct {
	cfg MediaConfig
}

var _ call.MediaSource = (*MediaSource)(nil)

func NewMediaSource(cfg MediaConfig) *MediaSource {
	return &MediaSource{cfg: cfg}
}

// Acquire opens the configured files and starts pumping samples into fresh
// local tracks. A missing or unreadable file fails the acquisition.
func (m *MediaSource) Acquire(ctx context.Context) (call.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	audioPump, err := m.audioPump(audio)
	if err != nil {
		return nil, err
	}
	videoPump, err := m.videoPump(video)
	if err != nil {
		audioPump.close()
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		tracks: []webrtc.TrackLocal{audio, video},
		pumps:  []pump{audioPump, videoPump},
		cancel: cancel,
	}
	for _, p := range s.pumps {
		s.wg.Add(1)
		go func(run func(context.Context)) {
			defer s.wg.Done()
			run(pumpCtx)
		}(p.run)
	}
	return s, nil
}

// pump writes samples to one track until its context ends.
type pump struct {
	run  func(context.Context)
	file *os.File
}

func (p pump) close() {
	if p.file != nil {
		p.file.Close()
	}
}

func (m *MediaSource) audioPump(track *webrtc.TrackLocalStaticSample) (pump, error) {
	if m.cfg.AudioFile == "" {
		return pump{run: func(ctx context.Context) {
			pace(ctx, opusFrame, func() error {
				return track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame})
			})
		}}, nil
	}

	f, err := os.Open(m.cfg.AudioFile)
	if err != nil {
		return pump{}, fmt.Errorf("open audio: %w", err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return pump{}, fmt.Errorf("read ogg header: %w", err)
	}

	return pump{file: f, run: func(ctx context.Context) {
		var lastGranule uint64
		pace(ctx, opusFrame, func() error {
			page, header, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) {
				// Loop the file.
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					return err
				}
				if reader, _, err = oggreader.NewWith(f); err != nil {
					return err
				}
				lastGranule = 0
				return nil
			}
			if err != nil {
				return err
			}

			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			duration := time.Duration(samples) * time.Second / 48000
			return track.WriteSample(media.Sample{Data: page, Duration: duration})
		})
	}}, nil
}

func (m *MediaSource) videoPump(track *webrtc.TrackLocalStaticSample) (pump, error) {
	if m.cfg.VideoFile == "" {
		frame := syntheticFrame()
		return pump{run: func(ctx context.Context) {
			pace(ctx, syntheticRate, func() error {
				return track.WriteSample(media.Sample{Data: frame, Duration: syntheticRate})
			})
		}}, nil
	}

	f, err := os.Open(m.cfg.VideoFile)
	if err != nil {
		return pump{}, fmt.Errorf("open video: %w", err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return pump{}, fmt.Errorf("read ivf header: %w", err)
	}
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		f.Close()
		return pump{}, errors.New("read ivf header: invalid timebase")
	}
	interval := time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)

	return pump{file: f, run: func(ctx context.Context) {
		pace(ctx, interval, func() error {
			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					return err
				}
				reader, _, err = ivfreader.NewWith(f)
				return err
			}
			if err != nil {
				return err
			}
			return track.WriteSample(media.Sample{Data: frame, Duration: interval})
		})
	}}, nil
}

// pace calls write every interval until ctx ends or write fails.
func pace(ctx context.Context, interval time.Duration, write func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := write(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				util.LogWarning("media pump stopped: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// syntheticFrame is a VP8 keyframe header followed by padding. It exercises
// packetization; it is not meant to decode to a picture.
func syntheticFrame() []byte {
	frame := make([]byte, 1200)
	copy(frame, []byte{0x50, 0x42, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00})
	return frame
}

// Stream is a set of local tracks fed by background pumps.
type Stream struct {
	tracks []webrtc.TrackLocal
	pumps  []pump
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Stop halts the pumps and waits for them to exit.
func (s *Stream) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, p := range s.pumps {
			p.close()
		}
	})
}
