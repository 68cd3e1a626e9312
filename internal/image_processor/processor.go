package image_processor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/JWIMaster/Neocord-sub000/internal/media"
)

var ErrNotImage = errors.New("payload is not an image")

// Options selects the optional pipeline steps for an asset kind.
type Options struct {
	// Mask crops to the largest centred square and clips it to a circle.
	Mask bool
	// Accent computes one representative colour for the entry.
	Accent bool
	// MaxSize bounds the longest side of the stored image. Zero disables it.
	MaxSize int
}

type Processor struct {
	encoder Encoder
	logger  *zap.Logger
}

func New(encoder Encoder, logger *zap.Logger) *Processor {
	return &Processor{
		encoder: encoder,
		logger:  logger,
	}
}

func (p *Processor) EncoderName() string {
	return p.encoder.Name()
}

// Process turns freshly fetched bytes into a cache entry plus its disk
// encoding. Steps run in a fixed order: decode, bound, mask, accent, encode.
// Any failing step aborts the whole pipeline.
func (p *Processor) Process(raw []byte, opts Options) (media.Entry, []byte, error) {
	img, err := decode(raw)
	if err != nil {
		return media.Entry{}, nil, err
	}

	if opts.MaxSize > 0 {
		b := img.Bounds()
		if b.Dx() > opts.MaxSize || b.Dy() > opts.MaxSize {
			img = imaging.Fit(img, opts.MaxSize, opts.MaxSize, imaging.Lanczos)
		}
	}

	if opts.Mask {
		img, err = CircleMask(img)
		if err != nil {
			return media.Entry{}, nil, err
		}
	}

	entry := media.Entry{Image: img}
	if opts.Accent {
		if c, ok := AccentColor(img); ok {
			entry.Accent = &c
		}
	}

	encoded, err := p.encoder.Encode(img)
	if err != nil {
		return media.Entry{}, nil, fmt.Errorf("failed to encode with %s: %w", p.encoder.Name(), err)
	}

	b := img.Bounds()
	p.logger.Debug("Processed image",
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
		zap.Int("raw_bytes", len(raw)),
		zap.Int("encoded_bytes", len(encoded)),
	)

	return entry, encoded, nil
}

// Decode rebuilds an entry from bytes previously produced by Process. The
// mask was applied before persisting, so only the accent colour is derived.
func (p *Processor) Decode(data []byte, opts Options) (media.Entry, error) {
	img, err := decode(data)
	if err != nil {
		return media.Entry{}, err
	}

	entry := media.Entry{Image: img}
	if opts.Accent {
		if c, ok := AccentColor(img); ok {
			entry.Accent = &c
		}
	}
	return entry, nil
}

// Encode re-encodes an in-memory image for transfer, using the configured
// disk encoder.
func (p *Processor) Encode(img image.Image) ([]byte, error) {
	return p.encoder.Encode(img)
}

func decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, ErrNotImage
	}

	mtype := mimetype.Detect(raw)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, mtype.String())
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", mtype.String(), err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("invalid image bounds %v", b)
	}
	return img, nil
}
