package web_rtc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	_ "image/jpeg"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"strzcam.com/videorelay/config"
	"strzcam.com/videorelay/frame"
	"strzcam.com/videorelay/store"
)

// frameReader feeds decoded images into the VP8 encoder.
type frameReader struct {
	frameChan chan image.Image
}

func newFrameReader() *frameReader {
	return &frameReader{frameChan: make(chan image.Image, 1)}
}

func (r *frameReader) Read() (image.Image, func(), error) {
	img, ok := <-r.frameChan
	if !ok {
		return nil, func() {}, fmt.Errorf("frame channel closed")
	}
	return img, func() {}, nil
}

// FallbackTrack encodes the shared frame store into a VP8 sample track so
// WebRTC viewers can watch the TCP-ingested feed when no WebRTC publisher is
// connected. The encoder is initialized lazily on the first frame, when the
// dimensions are known.
type FallbackTrack struct {
	store *store.Store
	cfg   config.Config
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	reader  *frameReader
	encoder codec.ReadCloser
}

func NewFallbackTrack(st *store.Store, cfg config.Config) *FallbackTrack {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"live",
		"videorelay_fallback",
	)
	if err != nil {
		// Only fails on an invalid codec capability, which is fixed here.
		panic(err)
	}
	return &FallbackTrack{store: st, cfg: cfg, track: track}
}

func (ft *FallbackTrack) Track() webrtc.TrackLocal {
	return ft.track
}

// Run re-encodes the current frame at the configured interval until ctx is
// done. An unchanged frame is re-sent as-is; VP8 playback needs a continuous
// sample stream even when the picture is static.
func (ft *FallbackTrack) Run(ctx context.Context) {
	ticker := time.NewTicker(ft.cfg.FrameInterval)
	defer ticker.Stop()

	var current image.Image
	lastSeq := uint64(math.MaxUint64)
	for {
		select {
		case <-ctx.Done():
			ft.close()
			return
		case <-ticker.C:
		}

		f, seq := ft.store.Read()
		if seq != lastSeq || current == nil {
			lastSeq = seq
			data := frame.Placeholder()
			if f != nil {
				data = f.Data
			}
			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				logger.Warnf("Error decoding frame for fallback track: %v", err)
				continue
			}
			current = img
		}

		if err := ft.sendFrame(current); err != nil {
			logger.Warnf("Error sending fallback sample: %v", err)
		}
	}
}

func (ft *FallbackTrack) sendFrame(img image.Image) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.encoder == nil {
		bounds := img.Bounds()
		width, height := bounds.Dx(), bounds.Dy()
		ft.reader = newFrameReader()

		params, err := vpx.NewVP8Params()
		if err != nil {
			return err
		}
		params.BitRate = 2_000_000
		params.KeyFrameInterval = 60

		ft.encoder, err = params.BuildVideoEncoder(ft.reader, prop.Media{
			Video: prop.Video{Width: width, Height: height},
		})
		if err != nil {
			return err
		}
	}
	ft.reader.frameChan <- img

	encoded, release, err := ft.encoder.Read()
	if err != nil {
		return err
	}
	defer release()

	return ft.track.WriteSample(media.Sample{
		Data:     encoded,
		Duration: ft.cfg.FrameInterval,
	})
}

func (ft *FallbackTrack) close() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.encoder != nil {
		ft.encoder.Close()
		ft.encoder = nil
	}
}
