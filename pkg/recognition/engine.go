// Package recognition reads tag values off decoded sheet cells.
package recognition

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/layout"
)

// ReasonRecognitionFailed marks readings whose recognizer calls kept failing.
const ReasonRecognitionFailed = "recognition failed"

// Reading is the raw output of a Recognizer for one image.
type Reading struct {
	Raw        string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Recognizer turns a single image into text.
// Errors wrapped with backoff.Permanent are not retried.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) (Reading, error)
}

// CellReading is the matched reading of one data cell.
type CellReading struct {
	Index      int
	Raw        string
	Value      string
	Confidence float64
	Reason     string
}

// SheetReading is the matched reading of one decoded sheet.
type SheetReading struct {
	Source           string
	Position         int
	HeaderRaw        string
	SheetID          string
	HeaderConfidence float64
	Reason           string
	Cells            []CellReading
}

// Options configure parallelism and retries.
type Options struct {
	Workers         int
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// OptionsFromSettings converts OCR settings to engine options.
func OptionsFromSettings(s config.OCRSettings) Options {
	return Options{
		Workers:         s.Workers,
		MaxRetries:      s.MaxRetries,
		InitialInterval: time.Duration(s.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(s.MaxIntervalMs) * time.Millisecond,
	}
}

// Engine fans recognition out over all cells of a batch of sheets.
type Engine struct {
	recognizer Recognizer
	opts       Options
	logger     *slog.Logger
}

// NewEngine creates a new Engine. A nil logger uses slog.Default().
func NewEngine(recognizer Recognizer, opts Options, logger *slog.Logger) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{recognizer: recognizer, opts: opts, logger: logger}
}

// ReadSheets recognizes the header and every cell of the given sheets.
// Headers are matched against headers and cells against cells.
// Failed recognitions are escalated with zero confidence, so the only
// error returned is the context's.
func (e *Engine) ReadSheets(ctx context.Context, sheets []*layout.Sheet, headers, cells *Matcher) ([]SheetReading, error) {
	readings := make([]SheetReading, len(sheets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for i, sheet := range sheets {
		readings[i] = SheetReading{
			Source:   sheet.Source,
			Position: sheet.Position,
			Cells:    make([]CellReading, len(sheet.Cells)),
		}

		g.Go(func() error {
			reading, err := e.recognize(gctx, sheet.Header)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("Header recognition failed", "source", sheet.Source, "position", sheet.Position, "error", err)
				readings[i].Reason = ReasonRecognitionFailed
				return nil
			}
			value, matchConf := headers.Match(reading.Raw)
			readings[i].HeaderRaw = reading.Raw
			readings[i].SheetID = value
			readings[i].HeaderConfidence = clamp(reading.Confidence) * matchConf
			return nil
		})

		for j, cell := range sheet.Cells {
			g.Go(func() error {
				out := CellReading{Index: cell.Index}
				reading, err := e.recognize(gctx, cell.Image)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					e.logger.Warn("Cell recognition failed", "source", sheet.Source, "position", sheet.Position, "cell", cell.Index, "error", err)
					out.Reason = ReasonRecognitionFailed
					readings[i].Cells[j] = out
					return nil
				}
				value, matchConf := cells.Match(reading.Raw)
				out.Raw = reading.Raw
				out.Value = value
				out.Confidence = clamp(reading.Confidence) * matchConf
				readings[i].Cells[j] = out
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read sheets: %w", err)
	}
	return readings, nil
}

func (e *Engine) recognize(ctx context.Context, img image.Image) (Reading, error) {
	b := backoff.NewExponentialBackOff()
	if e.opts.InitialInterval > 0 {
		b.InitialInterval = e.opts.InitialInterval
	}
	if e.opts.MaxInterval > 0 {
		b.MaxInterval = e.opts.MaxInterval
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(e.opts.MaxRetries, 0))), ctx)

	return backoff.RetryNotifyWithData(func() (Reading, error) {
		return e.recognizer.Recognize(ctx, img)
	}, policy, func(err error, wait time.Duration) {
		e.logger.Debug("Retrying recognition", "error", err, "wait", wait)
	})
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
