package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rpattn/productdim/internal/domain"
)

// landedTimestampLayout is the UTC suffix appended to landed file names.
const landedTimestampLayout = "20060102T150405Z"

// Landing is the raw area ingested files are copied into.
type Landing interface {
	// Land stores r under name and returns the location written.
	Land(ctx context.Context, name string, r io.Reader) (string, error)
	// List returns the names of landed files in lexical order.
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// LandedName returns the name a source file takes in the landing area:
// <stem>_<YYYYMMDDTHHMMSSZ><ext>.
func LandedName(source string, at time.Time) string {
	base := filepath.Base(source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s_%s%s", stem, at.UTC().Format(landedTimestampLayout), ext)
}

// FSLanding keeps landed files in a local directory.
type FSLanding struct {
	dir string
}

func NewFSLanding(dir string) *FSLanding {
	return &FSLanding{dir: dir}
}

func (l *FSLanding) Land(_ context.Context, name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create landing directory: %w", err)
	}

	tmp, err := os.CreateTemp(l.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to copy %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	dest := filepath.Join(l.dir, name)
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return dest, nil
}

func (l *FSLanding) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list landing directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (l *FSLanding) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(l.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingInput, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return f, nil
}

// Ingester copies sample files into the landing area under a timestamped name.
type Ingester struct {
	sampleDir string
	landing   Landing
	clock     clockwork.Clock
	log       *slog.Logger
}

func NewIngester(log *slog.Logger, sampleDir string, landing Landing, clock clockwork.Clock) *Ingester {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ingester{sampleDir: sampleDir, landing: landing, clock: clock, log: log}
}

// Ingest lands the named file from the sample directory. A missing source
// returns an error matching domain.ErrMissingInput.
func (i *Ingester) Ingest(ctx context.Context, fileName string) (string, error) {
	src := fileName
	if !filepath.IsAbs(src) {
		src = filepath.Join(i.sampleDir, fileName)
	}

	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: sample file %s", domain.ErrMissingInput, src)
	}
	if err != nil {
		return "", fmt.Errorf("failed to open sample file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat sample file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", domain.ErrMissingInput, src)
	}

	location, err := i.landing.Land(ctx, LandedName(src, i.clock.Now()), f)
	if err != nil {
		return "", err
	}
	i.log.Info("ingested file", "source", src, "destination", location)
	return location, nil
}
