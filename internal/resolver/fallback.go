package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/scheduler"
)

const tierFallback = "fallback"

var (
	downloadPatterns    = []string{"dataset", "download", "kaggle", "404", "403", "not found"}
	missingFilePatterns = []string{"no such file or directory", "enoent", "file not found", "cannot find the path"}
	offlinePatterns     = []string{"network is unreachable", "could not resolve host", "no route to host", "ssl", "certificate verify failed"}
)

// FallbackTier runs the heuristic strategies that trade fidelity for progress.
func (r *Resolver) FallbackTier(ctx context.Context, req scheduler.ResolveRequest) scheduler.Resolution {
	errText := strings.ToLower(req.Error)
	t := req.Task

	res := scheduler.Resolution{Fixed: false, Analysis: "No fallback strategy applies"}
	switch {
	case t.Type == scheduler.TypeFetchDataset && t.MetaString("source") != "synthetic" && containsAny(errText, downloadPatterns):
		res = scheduler.Resolution{
			Fixed:           true,
			RetryMetadata:   map[string]any{"source": "synthetic"},
			Analysis:        "Dataset download failed; switching to a synthetic dataset",
			Recommendations: []string{"Provide a reachable dataset URL for real data"},
		}
	case containsAny(errText, downloadPatterns) && hasDownloader(t.Command):
		if cmd, ok := swapDownloader(t.Command); ok {
			res = scheduler.Resolution{
				Fixed:        true,
				RetryCommand: cmd,
				Analysis:     "Download failed; retrying with the alternate downloader",
			}
		}
	case containsAny(errText, missingFilePatterns) && t.Path != "" && t.Type != scheduler.TypeCreateDirectory:
		res = r.writePlaceholder(ctx, req)
	case containsAny(errText, offlinePatterns):
		res = scheduler.Resolution{
			Fixed:           true,
			Skip:            true,
			Analysis:        "Network is persistently unavailable; skip non-critical step",
			Recommendations: []string{fmt.Sprintf("Re-run %s once the network is reachable", t.ID)},
		}
	}
	res.Tier = tierFallback
	return res
}

func (r *Resolver) writePlaceholder(ctx context.Context, req scheduler.ResolveRequest) scheduler.Resolution {
	path := resolvePath(req, req.Task.Path)
	params := map[string]any{"path": path, "content": placeholderFor(path, req.Task.ID)}
	if _, err := r.bus.Invoke(ctx, bus.CapWriteFile, params, agentName); err != nil {
		return unfixed(fmt.Sprintf("Could not write placeholder for %s: %v", path, err))
	}
	return scheduler.Resolution{
		Fixed:           true,
		Analysis:        fmt.Sprintf("Wrote a placeholder to %s; this is a stopgap, not a real fix", path),
		Recommendations: []string{fmt.Sprintf("Replace the placeholder at %s with real content", path)},
	}
}

func placeholderFor(path, taskID string) string {
	note := fmt.Sprintf("placeholder written after %s failed; replace with real content", taskID)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".sh", ".yaml", ".yml", ".toml", ".txt", ".r":
		return "# " + note + "\n"
	case ".md", ".html":
		return "<!-- " + note + " -->\n"
	case ".js", ".ts", ".go", ".java", ".c", ".cpp":
		return "// " + note + "\n"
	case ".json":
		return "{}\n"
	}
	return ""
}

func hasDownloader(cmd string) bool {
	for _, seg := range splitSegments(cmd) {
		if tok := firstToken(seg); tok == "curl" || tok == "wget" {
			return true
		}
	}
	return false
}

// swapDownloader rewrites curl invocations as wget and vice versa, keeping
// the URL and output file.
func swapDownloader(cmd string) (string, bool) {
	segments := splitSegments(cmd)
	changed := false
	for i, seg := range segments {
		fields := strings.Fields(seg)
		if len(fields) == 0 || (fields[0] != "curl" && fields[0] != "wget") {
			continue
		}

		var url, out string
		for j := 1; j < len(fields); j++ {
			f := fields[j]
			switch {
			case strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://"):
				url = f
			case (f == "-o" || f == "-O" || f == "--output" || f == "--output-document") && j+1 < len(fields):
				// curl -O takes no argument; only treat it as an output flag for wget.
				if f == "-O" && fields[0] == "curl" {
					continue
				}
				out = fields[j+1]
				j++
			}
		}
		if url == "" {
			continue
		}

		if fields[0] == "curl" {
			if out != "" {
				segments[i] = fmt.Sprintf("wget -q -O %s %s", out, url)
			} else {
				segments[i] = "wget -q " + url
			}
		} else {
			if out != "" {
				segments[i] = fmt.Sprintf("curl -fsSL -o %s %s", out, url)
			} else {
				segments[i] = "curl -fsSLO " + url
			}
		}
		changed = true
	}
	return joinSegments(segments), changed
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
