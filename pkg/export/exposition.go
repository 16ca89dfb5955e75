// Package export serializes the store's current counters into a
// line-oriented text exposition format suitable for scraping.
package export

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/vjranagit/countervane/pkg/store"
	"github.com/vjranagit/countervane/pkg/types"
)

// ContentType is the media type of the exposition output.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// Writer renders exposition text. Output for a fixed store state is
// byte-identical across calls: metric names are sorted, and series within a
// metric are sorted by their canonical label string.
type Writer struct {
	store          *store.Store
	withTimestamps bool
	help           map[string]string
}

// Option configures a Writer.
type Option func(*Writer)

// WithTimestamps appends the last-update timestamp, in milliseconds, to
// every sample line.
func WithTimestamps() Option {
	return func(w *Writer) { w.withTimestamps = true }
}

// WithHelp registers help text for a metric name.
func WithHelp(name, text string) Option {
	return func(w *Writer) { w.help[name] = text }
}

// NewWriter creates a Writer over st.
func NewWriter(st *store.Store, opts ...Option) *Writer {
	w := &Writer{store: st, help: make(map[string]string)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteTo writes the full exposition to out. It checks ctx between series,
// so an interrupted export stops promptly and leaves the store unmodified.
func (w *Writer) WriteTo(ctx context.Context, out io.Writer) error {
	names := w.store.MetricNames()
	sort.Strings(names)

	for _, name := range names {
		var series []types.Series
		for snap := range w.store.Query(name, nil) {
			series = append(series, snap)
		}
		if len(series) == 0 {
			continue
		}
		sort.Slice(series, func(i, j int) bool {
			return series[i].Labels.String() < series[j].Labels.String()
		})

		if _, err := fmt.Fprintf(out, "# HELP %s %s\n", name, w.helpFor(name)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "# TYPE %s counter\n", name); err != nil {
			return err
		}

		for _, snap := range series {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.writeSeries(out, snap); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *Writer) helpFor(name string) string {
	if text, ok := w.help[name]; ok {
		return text
	}
	return "Accumulated counter."
}

func (w *Writer) writeSeries(out io.Writer, snap types.Series) error {
	var b strings.Builder
	b.WriteString(snap.Name)

	if snap.Labels.Len() > 0 {
		b.WriteByte('{')
		first := true
		snap.Labels.Range(func(name, value string) {
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(name)
			b.WriteString(`="`)
			b.WriteString(escapeLabelValue(value))
			b.WriteByte('"')
		})
		b.WriteByte('}')
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(snap.Value, 'g', -1, 64))

	if w.withTimestamps {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(snap.LastUpdate.UnixMilli(), 10))
	}
	b.WriteByte('\n')

	_, err := io.WriteString(out, b.String())
	return err
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}
