package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"loopcam/internal/coordinator"
	loopio "loopcam/internal/io"
	"loopcam/internal/vision"
)

const DefaultSpeed = 500 * time.Millisecond

// Options describe one exported loop.
type Options struct {
	Caption     string
	Filter      string
	Speed       time.Duration
	PingPong    bool
	GIF         bool
	Adjustments Adjustments
}

// Manifest is written next to the frames as manifest.json and describes the
// loop the way a published post does.
type Manifest struct {
	JobID       string      `json:"jobId"`
	Caption     string      `json:"caption"`
	Filter      string      `json:"filter"`
	LoopSpeed   int64       `json:"loopSpeed"`
	PingPong    bool        `json:"pingPong"`
	Adjustments Adjustments `json:"adjustments"`
	ImageKeys   []string    `json:"imageKeys"`
	ImageURLs   []string    `json:"imageUrls,omitempty"`
	GIFKey      string      `json:"gifKey,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// urlStore is implemented by stores that can hand out download URLs.
type urlStore interface {
	URL(key string) (string, error)
}

// Exporter writes loops to a store.
type Exporter struct {
	store loopio.Store
	codec coordinator.Codec
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewExporter(store loopio.Store, codec coordinator.Codec, logger logrus.FieldLogger) *Exporter {
	if codec == nil {
		codec = coordinator.NewJPEGCodec(coordinator.DefaultJPEGQuality)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{store: store, codec: codec, log: logger, now: time.Now}
}

// Export stores the playback sequence of frames under loops/<jobID>/, followed
// by the optional GIF and the manifest.
func (e *Exporter) Export(ctx context.Context, jobID uuid.UUID, frames []vision.RawPixelBuffer, opts Options) (*Manifest, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("nothing to export")
	}
	if opts.Speed <= 0 {
		opts.Speed = DefaultSpeed
	}

	prefix := "loops/" + jobID.String() + "/"
	seq := Sequence(frames, opts.PingPong)
	m := &Manifest{
		JobID:       jobID.String(),
		Caption:     opts.Caption,
		Filter:      opts.Filter,
		LoopSpeed:   opts.Speed.Milliseconds(),
		PingPong:    opts.PingPong,
		Adjustments: opts.Adjustments,
		CreatedAt:   e.now().UTC(),
	}

	for i, buf := range seq {
		data, err := e.codec.Encode(buf)
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", i, err)
		}
		key := fmt.Sprintf("%s%d%s", prefix, i, e.codec.Extension())
		if err := e.store.Put(ctx, key, e.codec.ContentType(), bytes.NewReader(data)); err != nil {
			return nil, err
		}
		m.ImageKeys = append(m.ImageKeys, key)
		if us, ok := e.store.(urlStore); ok {
			if url, err := us.URL(key); err == nil {
				m.ImageURLs = append(m.ImageURLs, url)
			}
		}
	}

	if opts.GIF {
		var out bytes.Buffer
		if err := EncodeGIF(&out, seq, opts.Speed); err != nil {
			return nil, err
		}
		m.GIFKey = prefix + "loop.gif"
		if err := e.store.Put(ctx, m.GIFKey, "image/gif", &out); err != nil {
			return nil, err
		}
	}

	doc, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, prefix+"manifest.json", "application/json", bytes.NewReader(doc)); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"job_id": jobID,
		"frames": len(seq),
		"gif":    opts.GIF,
	}).Info("Loop exported")
	return m, nil
}

// EncodeGIF writes seq as an endlessly looping GIF. Frames are dithered to the
// Plan 9 palette and scaled to the size of the first frame.
func EncodeGIF(w io.Writer, seq []vision.RawPixelBuffer, speed time.Duration) error {
	if len(seq) == 0 {
		return fmt.Errorf("no frames for gif")
	}
	delay := int(speed / (10 * time.Millisecond))
	if delay < 1 {
		delay = 1
	}

	bounds := image.Rect(0, 0, seq[0].Width, seq[0].Height)
	anim := &gif.GIF{LoopCount: 0}
	for i, buf := range seq {
		src, err := coordinator.ToImage(buf)
		if err != nil {
			return fmt.Errorf("gif frame %d: %w", i, err)
		}

		var frame image.Image = src
		if src.Bounds() != bounds {
			scaled := image.NewNRGBA(bounds)
			draw.ApproxBiLinear.Scale(scaled, bounds, src, src.Bounds(), draw.Src, nil)
			frame = scaled
		}

		p := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(p, bounds, frame, image.Point{})
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, delay)
	}
	return gif.EncodeAll(w, anim)
}
