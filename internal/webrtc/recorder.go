package webrtc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Compile-time interface check.
var _ TrackSink = (*Recorder)(nil)

// Recorder writes every remote track to a file under a directory: H264 as
// raw Annex-B, Opus as Ogg.
type Recorder struct {
	dir string
	now func() time.Time
	log logging.LeveledLogger
}

// NewRecorder creates dir if needed.
func NewRecorder(dir string, loggerFactory logging.LoggerFactory) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	r := &Recorder{dir: dir, now: time.Now}
	if loggerFactory != nil {
		r.log = loggerFactory.NewLogger("recorder")
	}
	return r, nil
}

// OpenTrack returns a file writer for H264 and Opus tracks and nil for
// anything else.
func (r *Recorder) OpenTrack(peerID string, track *pion.TrackRemote) (pionmedia.Writer, error) {
	base := filepath.Join(r.dir, fmt.Sprintf("%s-%s", fileSafe(peerID), r.now().Format("20060102-150405")))
	mime := track.Codec().MimeType

	switch {
	case strings.EqualFold(mime, pion.MimeTypeH264):
		path := base + ".h264"
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		r.logf("recording %s video to %s", peerID, path)
		return newAnnexBWriter(f), nil

	case strings.EqualFold(mime, pion.MimeTypeOpus):
		path := base + ".ogg"
		w, err := oggwriter.New(path, 48000, 2)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		r.logf("recording %s audio to %s", peerID, path)
		return w, nil

	default:
		r.logf("not recording %s track with codec %s", peerID, mime)
		return nil, nil
	}
}

func (r *Recorder) logf(format string, args ...any) {
	if r.log != nil {
		r.log.Infof(format, args...)
	}
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// annexBWriter depacketizes H264 RTP and writes start-code delimited NAL
// units.
type annexBWriter struct {
	f      *os.File
	buf    *bufio.Writer
	depack *H264Depacketizer
}

func newAnnexBWriter(f *os.File) *annexBWriter {
	return &annexBWriter{f: f, buf: bufio.NewWriter(f), depack: NewH264Depacketizer()}
}

func (w *annexBWriter) WriteRTP(pkt *rtp.Packet) error {
	for _, nalu := range w.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		if _, err := w.buf.Write(startCode); err != nil {
			return err
		}
		if _, err := w.buf.Write(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (w *annexBWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func fileSafe(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, id)
}
