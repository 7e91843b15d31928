package capabilities

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/runner"
)

var (
	// ErrDownloadFailed wraps non-200 responses and transfer errors.
	ErrDownloadFailed = errors.New("dataset download failed")
	// ErrDatasetTooSmall is returned when a fetched dataset has fewer lines than required.
	ErrDatasetTooSmall = errors.New("dataset too small")
)

// DefaultColumns is the schema of a synthetic dataset when none is requested.
var DefaultColumns = []string{"id", "feature_1", "feature_2", "feature_3", "category", "target"}

const defaultMaxDatasetBytes = 512 << 20

type datasets struct {
	client   *http.Client
	run      runner.Runner
	locks    *PathLocks
	maxBytes int64
}

func registerDatasets(b *bus.Bus, d *datasets) {
	b.RegisterCapability(bus.CapabilityFunc{
		ID:   bus.CapDatasetFetch,
		Desc: "Download a dataset from a URL or produce it with a command",
		Params: map[string]string{
			"path":      "destination file",
			"url":       "source URL",
			"command":   "command that writes the dataset to path",
			"dir":       "working directory for command",
			"min_lines": "reject datasets with fewer lines",
		},
		Fn: d.fetch,
	})
	b.RegisterCapability(bus.CapabilityFunc{
		ID:   bus.CapDatasetSynthesize,
		Desc: "Write a deterministic synthetic CSV dataset",
		Params: map[string]string{
			"path":    "destination file",
			"rows":    "number of data rows",
			"seed":    "seed string, same seed gives the same data",
			"columns": "comma-separated column names",
		},
		Fn: d.synthesize,
	})
}

func (d *datasets) fetch(ctx context.Context, params map[string]any) (any, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	url := paramString(params, "url")
	command := paramString(params, "command")
	minLines := paramInt(params, "min_lines", 0)

	d.locks.Lock(path)
	defer d.locks.Unlock(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	var source string
	switch {
	case url != "":
		if err := d.download(ctx, url, path); err != nil {
			return nil, err
		}
		source = "remote"
	case command != "":
		res, err := d.run.Run(ctx, runner.Command{Line: command, Dir: paramString(params, "dir")})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		if !res.Success() {
			return nil, fmt.Errorf("%w: command exited with code %d: %s", ErrDownloadFailed, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		source = "command"
	default:
		return nil, fmt.Errorf("%w: no url or command given", ErrDownloadFailed)
	}

	lines, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if lines < minLines {
		if rmErr := os.Remove(path); rmErr != nil {
			logging.Warn("failed to remove undersized dataset", "path", path, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: %s has %d lines, need at least %d", ErrDatasetTooSmall, path, lines, minLines)
	}

	logging.Info("dataset fetched", "path", path, "lines", lines, "source", source)
	return bus.DatasetInfo{Path: path, Lines: lines, Source: source}, nil
}

// download streams url into a temp file beside path and renames it into place.
func (d *datasets) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", "forge/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrDownloadFailed, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, d.maxBytes)); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	buf := make([]byte, 32*1024)
	lines := 0
	var last byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != 0 && last != '\n' {
		lines++
	}
	return lines, nil
}

func (d *datasets) synthesize(_ context.Context, params map[string]any) (any, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	rows := paramInt(params, "rows", 100)
	if rows <= 0 {
		return nil, fmt.Errorf("rows must be positive, got %d", rows)
	}
	columns := DefaultColumns
	if cols := paramString(params, "columns"); cols != "" {
		columns = nil
		for _, c := range strings.Split(cols, ",") {
			if c = strings.TrimSpace(c); c != "" {
				columns = append(columns, c)
			}
		}
	}

	d.locks.Lock(path)
	defer d.locks.Unlock(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := writeSynthetic(f, columns, rows, seedOf(paramString(params, "seed"))); err != nil {
		return nil, fmt.Errorf("failed to write synthetic dataset: %w", err)
	}

	logging.Info("synthetic dataset written", "path", path, "rows", rows)
	return bus.DatasetInfo{Path: path, Lines: rows + 1, Source: "synthetic"}, nil
}

func seedOf(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

var (
	categories = []string{"alpha", "beta", "gamma"}
	epoch      = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// writeSynthetic writes a header and rows of values chosen by column name.
// Numeric features are standard normal; targets are a noisy logistic of them.
func writeSynthetic(w io.Writer, columns []string, rows int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}

	record := make([]string, len(columns))
	for i := 0; i < rows; i++ {
		var signal float64
		for j, col := range columns {
			name := strings.ToLower(col)
			switch {
			case name == "id":
				record[j] = strconv.Itoa(i + 1)
			case strings.Contains(name, "target"), strings.Contains(name, "label"):
				p := 1 / (1 + math.Exp(-signal))
				record[j] = "0"
				if rng.Float64() < p {
					record[j] = "1"
				}
			case strings.Contains(name, "category"), strings.Contains(name, "class"), strings.Contains(name, "type"):
				record[j] = categories[rng.Intn(len(categories))]
			case strings.Contains(name, "date"), strings.Contains(name, "time"):
				record[j] = epoch.AddDate(0, 0, i).Format("2006-01-02")
			default:
				v := rng.NormFloat64()
				signal += v
				record[j] = strconv.FormatFloat(v, 'f', 4, 64)
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
