package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

// Capture is a local stream backed by sample tracks the application writes to.
type Capture struct {
	*Stream
	Video *pion.TrackLocalStaticSample
	Audio *pion.TrackLocalStaticSample

	log logging.LeveledLogger
}

// NewCapture creates an H264 video track and an Opus audio track under streamID.
func NewCapture(streamID string, loggerFactory logging.LoggerFactory) (*Capture, error) {
	video, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	audio, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	c := &Capture{
		Stream: NewStream(streamID, video, audio),
		Video:  video,
		Audio:  audio,
	}
	if loggerFactory != nil {
		c.log = loggerFactory.NewLogger("media")
	}
	return c, nil
}

// PlayH264File writes the NAL units of an Annex-B H264 file to the video
// track at the given frame rate, looping until ctx is cancelled.
func (c *Capture) PlayH264File(ctx context.Context, path string, fps int) error {
	if fps <= 0 {
		fps = 30
	}
	frame := time.Second / time.Duration(fps)

	for {
		if err := c.playOnce(ctx, path, frame); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if c.log != nil {
			c.log.Debugf("restarting %s", path)
		}
	}
}

func (c *Capture) playOnce(ctx context.Context, path string, frame time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open media file: %w", err)
	}
	defer f.Close()

	reader, err := h264reader.NewReader(f)
	if err != nil {
		return fmt.Errorf("create h264 reader: %w", err)
	}

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read nal: %w", err)
		}

		if err := c.Video.WriteSample(pionmedia.Sample{Data: nal.Data, Duration: frame}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
	}
}
