package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/scheduler"
)

const tierRules = "rules"

// rule is one error category of the rule tier. Categories are tried in
// order and the first whose patterns match decides the outcome.
type rule struct {
	name     string
	patterns []string
	match    func(errText string) bool // extra matcher, may be nil
	fix      func(ctx context.Context, r *Resolver, req scheduler.ResolveRequest, errText string) scheduler.Resolution
}

func (ru rule) matches(errText string) bool {
	for _, p := range ru.patterns {
		if strings.Contains(errText, p) {
			return true
		}
	}
	return ru.match != nil && ru.match(errText)
}

var rules = []rule{
	{
		name:     "command-not-found",
		patterns: []string{"command not found", "not recognized as an internal", "executable file not found", "no such command"},
		match:    func(s string) bool { return shNotFound.MatchString(s) },
		fix:      fixCommandNotFound,
	},
	{
		name:     "permission-denied",
		patterns: []string{"permission denied", "eacces", "operation not permitted"},
		fix:      fixPermission,
	},
	{
		name:     "file-not-found",
		patterns: []string{"no such file or directory", "enoent", "file not found", "cannot find the path"},
		fix:      fixMissingFile,
	},
	{
		name: "dependency",
		patterns: []string{
			"no module named", "modulenotfounderror", "could not find a version", "resolutionimpossible",
			"dependency", "package", "module", "eresolve", "peer dep",
		},
		fix: fixDependency,
	},
	{
		name: "network",
		patterns: []string{
			"timeout", "timed out", "econnreset", "econnrefused", "etimedout", "connection reset",
			"connection refused", "connection aborted", "temporary failure in name resolution",
		},
		fix: fixNetwork,
	},
	{
		name:     "syntax",
		patterns: []string{"syntaxerror", "syntax error", "invalid syntax", "parse error", "unexpected token", "indentationerror"},
		fix:      fixSyntax,
	},
}

// RuleTier runs the deterministic rule tier. Apart from creating a missing
// parent directory through fs.create_dir it has no side effects, and the
// same request always yields the same Resolution.
func (r *Resolver) RuleTier(ctx context.Context, req scheduler.ResolveRequest) scheduler.Resolution {
	errText := strings.ToLower(req.Error)
	for _, ru := range rules {
		if ru.matches(errText) {
			res := ru.fix(ctx, r, req, errText)
			res.Tier = tierRules
			return res
		}
	}
	res := fixGeneric(req)
	res.Tier = tierRules
	return res
}

// commandRewrites maps a tool invocation to a known-good alternate.
var commandRewrites = map[string]string{
	"pip":        "pip3",
	"pip3":       "python3 -m pip",
	"python":     "python3",
	"pytest":     "python3 -m pytest",
	"jupyter":    "python3 -m jupyter",
	"virtualenv": "python3 -m venv",
	"tsc":        "npx tsc",
	"yarn":       "npx yarn",
}

var (
	shNotFound             = regexp.MustCompile(`sh: (?:line )?(?:\d+: )?([\w.+-]+): not found`)
	missingCommandPatterns = []*regexp.Regexp{
		regexp.MustCompile(`([\w.+-]+): command not found`),
		shNotFound,
		regexp.MustCompile(`exec: "([^"]+)": executable file not found`),
		regexp.MustCompile(`'([\w.+-]+)' is not recognized as an internal`),
	}
	noModuleNamed = regexp.MustCompile(`no module named ['"]?([a-z0-9_.]+)`)
)

// missingCommand returns the tool name the shell could not find, if the error names one.
func missingCommand(errText string) string {
	for _, re := range missingCommandPatterns {
		if m := re.FindStringSubmatch(errText); m != nil {
			return m[1]
		}
	}
	return ""
}

func fixCommandNotFound(_ context.Context, _ *Resolver, req scheduler.ResolveRequest, errText string) scheduler.Resolution {
	cmd := req.Task.Command
	if cmd == "" {
		return unfixed("Command not found, but the task has no command to rewrite", "Install the missing tool in the environment")
	}

	only := missingCommand(errText)
	if _, known := commandRewrites[only]; !known {
		only = ""
	}

	var changes []string
	segments := splitSegments(cmd)
	for i, seg := range segments {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		tok := fields[0]
		if only != "" && tok != only {
			continue
		}
		alt, ok := commandRewrites[tok]
		if !ok {
			continue
		}
		segments[i] = alt + strings.TrimPrefix(seg, tok)
		changes = append(changes, fmt.Sprintf("%s -> %s", tok, alt))
	}

	if len(changes) == 0 {
		return unfixed(fmt.Sprintf("Command not found and no known alternate for %q", firstToken(cmd)),
			"Install the missing tool in the environment")
	}
	return scheduler.Resolution{
		Fixed:           true,
		RetryCommand:    joinSegments(segments),
		Analysis:        "Command not found; rewrote " + strings.Join(changes, ", "),
		Recommendations: []string{"Prefer explicit interpreter invocations such as python3 -m pip"},
	}
}

func fixPermission(_ context.Context, _ *Resolver, req scheduler.ResolveRequest, _ string) scheduler.Resolution {
	cmd := req.Task.Command
	if cmd == "" {
		return unfixed("Permission denied", "Check file and directory permissions in the work directory")
	}

	var changes []string
	segments := splitSegments(cmd)
	for i, seg := range segments {
		fields := strings.Fields(seg)
		switch {
		case isPipInstall(fields) && !hasFlag(fields, "--user"):
			segments[i] = seg + " --user"
			changes = append(changes, "added --user to pip install")
		case len(fields) > 0 && fields[0] == "mkdir" && !hasFlag(fields, "-p"):
			segments[i] = "mkdir -p" + strings.TrimPrefix(seg, "mkdir")
			changes = append(changes, "added -p to mkdir")
		}
	}

	if len(changes) == 0 {
		return unfixed("Permission denied and no safe rewrite applies", "Check file and directory permissions in the work directory")
	}
	return scheduler.Resolution{
		Fixed:        true,
		RetryCommand: joinSegments(segments),
		Analysis:     "Permission denied; " + strings.Join(changes, ", "),
	}
}

func fixMissingFile(ctx context.Context, r *Resolver, req scheduler.ResolveRequest, _ string) scheduler.Resolution {
	t := req.Task
	if (t.Type != scheduler.TypeCreateFile && t.Type != scheduler.TypeWriteAssessmentDoc) || t.Path == "" {
		return unfixed("File or directory not found", "Make sure earlier tasks create the files this task needs")
	}

	parent := filepath.Dir(resolvePath(req, t.Path))
	if _, err := r.bus.Invoke(ctx, bus.CapCreateDir, map[string]any{"path": parent}, agentName); err != nil {
		return unfixed(fmt.Sprintf("Parent directory %s is missing and could not be created: %v", parent, err),
			"Create the directory manually")
	}
	return scheduler.Resolution{
		Fixed:    true,
		Analysis: fmt.Sprintf("Created missing parent directory %s", parent),
	}
}

// pipPackages maps import names to the distribution that provides them.
var pipPackages = map[string]string{
	"cv2":     "opencv-python",
	"sklearn": "scikit-learn",
	"yaml":    "pyyaml",
	"pil":     "pillow",
	"bs4":     "beautifulsoup4",
	"dotenv":  "python-dotenv",
}

func fixDependency(_ context.Context, _ *Resolver, req scheduler.ResolveRequest, errText string) scheduler.Resolution {
	cmd := req.Task.Command
	if cmd == "" {
		return unfixed("Dependency error", "Add the missing package to the dependency list")
	}

	var changes []string
	segments := splitSegments(cmd)
	for i, seg := range segments {
		fields := strings.Fields(seg)
		switch {
		case isPipInstall(fields):
			if flag := nextFlag(fields, "--no-cache-dir", "--force-reinstall"); flag != "" {
				segments[i] = seg + " " + flag
				changes = append(changes, "pip install "+flag)
			}
		case isNpmInstall(fields):
			if flag := nextFlag(fields, "--legacy-peer-deps", "--force"); flag != "" {
				segments[i] = seg + " " + flag
				changes = append(changes, "npm install "+flag)
			}
		}
	}
	if len(changes) > 0 {
		return scheduler.Resolution{
			Fixed:        true,
			RetryCommand: joinSegments(segments),
			Analysis:     "Dependency resolution failed; retrying with " + strings.Join(changes, ", "),
		}
	}

	if m := noModuleNamed.FindStringSubmatch(errText); m != nil {
		module := strings.SplitN(m[1], ".", 2)[0]
		pkg := module
		if p, ok := pipPackages[module]; ok {
			pkg = p
		}
		return scheduler.Resolution{
			Fixed:           true,
			RetryCommand:    fmt.Sprintf("pip3 install %s && %s", pkg, cmd),
			Analysis:        fmt.Sprintf("Python module %q is missing; installing %s first", module, pkg),
			Recommendations: []string{fmt.Sprintf("Add %s to requirements.txt", pkg)},
		}
	}

	return unfixed("Dependency error with no known rewrite", "Pin compatible package versions")
}

func fixNetwork(_ context.Context, r *Resolver, req scheduler.ResolveRequest, _ string) scheduler.Resolution {
	n := r.backoffSeconds(req.Attempt)
	cmd := stripSleep(req.Task.Command)
	if cmd == "" {
		return scheduler.Resolution{
			Fixed:    true,
			Backoff:  secondsToDuration(n),
			Analysis: fmt.Sprintf("Transient network error; retrying after %ds", n),
		}
	}
	return scheduler.Resolution{
		Fixed:        true,
		RetryCommand: fmt.Sprintf("sleep %d && %s", n, cmd),
		Analysis:     fmt.Sprintf("Transient network error; retrying after %ds", n),
	}
}

var smartQuotes = strings.NewReplacer(
	"‘", "'", "’", "'",
	"“", `"`, "”", `"`,
)

// normalizePython applies the mechanical fixes behind most generated-code syntax errors.
func normalizePython(src string) string {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.ReplaceAll(src, "\r", "\n")
	src = strings.ReplaceAll(src, "\t", "    ")
	src = smartQuotes.Replace(src)

	lines := strings.Split(src, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}

func fixSyntax(_ context.Context, _ *Resolver, req scheduler.ResolveRequest, _ string) scheduler.Resolution {
	t := req.Task
	if !strings.HasSuffix(strings.ToLower(t.Path), ".py") || t.Content == "" {
		return unfixed("Syntax error in a file the rules cannot patch", "Regenerate the file content")
	}

	patched := normalizePython(t.Content)
	if patched == t.Content {
		return unfixed("Syntax error not caused by whitespace or quoting", "Regenerate the file content")
	}

	dmp := diffmatchpatch.New()
	var inserted, deleted int
	for _, d := range dmp.DiffMain(t.Content, patched, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len([]rune(d.Text))
		case diffmatchpatch.DiffDelete:
			deleted += len([]rune(d.Text))
		}
	}

	return scheduler.Resolution{
		Fixed:        true,
		RetryContent: patched,
		Analysis: fmt.Sprintf("Normalised line endings, indentation and quotes in %s (%d characters removed, %d inserted)",
			t.Path, deleted, inserted),
	}
}

func fixGeneric(req scheduler.ResolveRequest) scheduler.Resolution {
	cmd := req.Task.Command
	if req.Attempt < 2 {
		return scheduler.Resolution{
			Fixed:        true,
			RetryCommand: cmd,
			Analysis:     "Unrecognised error; retrying unchanged",
		}
	}
	if segments := splitCompound(cmd); len(segments) > 1 {
		return scheduler.Resolution{
			Fixed:        true,
			RetryCommand: segments[0],
			Analysis:     "Repeated failure of a compound command; retrying only its first step",
		}
	}
	return unfixed("Unrecognised error after repeated attempts", "Manual intervention required")
}

func unfixed(analysis string, recommendations ...string) scheduler.Resolution {
	return scheduler.Resolution{Fixed: false, Analysis: analysis, Recommendations: recommendations}
}

func splitSegments(cmd string) []string {
	parts := strings.Split(cmd, "&&")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func joinSegments(segments []string) string {
	return strings.Join(segments, " && ")
}

// splitCompound splits on both && and ; separators.
func splitCompound(cmd string) []string {
	var out []string
	for _, seg := range splitSegments(cmd) {
		for _, part := range strings.Split(seg, ";") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func firstToken(cmd string) string {
	if f := strings.Fields(cmd); len(f) > 0 {
		return f[0]
	}
	return ""
}

func isPipInstall(fields []string) bool {
	switch {
	case len(fields) >= 2 && (fields[0] == "pip" || fields[0] == "pip3"):
		return fields[1] == "install"
	case len(fields) >= 4 && strings.HasPrefix(fields[0], "python") && fields[1] == "-m" && fields[2] == "pip":
		return fields[3] == "install"
	}
	return false
}

func isNpmInstall(fields []string) bool {
	return len(fields) >= 2 && fields[0] == "npm" && (fields[1] == "install" || fields[1] == "i" || fields[1] == "ci")
}

func hasFlag(fields []string, flag string) bool {
	for _, f := range fields {
		if f == flag {
			return true
		}
	}
	return false
}

// nextFlag returns the first flag in escalation not yet present, or "".
func nextFlag(fields []string, escalation ...string) string {
	for _, flag := range escalation {
		if !hasFlag(fields, flag) {
			return flag
		}
	}
	return ""
}

var leadingSleep = regexp.MustCompile(`^sleep \d+ && `)

func stripSleep(cmd string) string {
	return leadingSleep.ReplaceAllString(strings.TrimSpace(cmd), "")
}

// resolvePath joins p onto the work_dir carried in the request's work context.
func resolvePath(req scheduler.ResolveRequest, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if dir, ok := req.WorkContext["work_dir"].(string); ok && dir != "" {
		return filepath.Join(dir, p)
	}
	return p
}
