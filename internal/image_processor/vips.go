package image_processor

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/cshum/vipsgen/vips"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

type VipsConfig struct {
	MaxCacheMB  int
	Concurrency int
}

// StartVips initialises libvips and routes its warnings and errors to log.
// Call StopVips on shutdown.
func StartVips(cfg VipsConfig, log *zap.Logger) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Concurrency,
		MaxCacheMem:      cfg.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	})

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.MaxCacheMB),
		zap.Int("concurrency", cfg.Concurrency),
	)
}

func StopVips() {
	vips.Shutdown()
}

// PaletteEncoder writes indexed (palette) 8-bit PNG with alpha through
// libvips, which is several times smaller than RGBA PNG for avatars and icons.
type PaletteEncoder struct{}

func (PaletteEncoder) Name() string {
	return "vips-palette-png"
}

func (PaletteEncoder) Encode(img image.Image) ([]byte, error) {
	var src bytes.Buffer
	if err := imaging.Encode(&src, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		return nil, fmt.Errorf("failed to stage image: %w", err)
	}

	vimg, err := vips.NewPngloadBuffer(src.Bytes(), vips.DefaultPngloadBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to load into vips: %w", err)
	}
	defer vimg.Close()

	opts := vips.DefaultPngsaveBufferOptions()
	opts.Palette = true
	opts.Bitdepth = 8

	out, err := vimg.PngsaveBuffer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to save palette png: %w", err)
	}
	return out, nil
}
