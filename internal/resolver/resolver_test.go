package resolver

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/scheduler"
)

// countingCompleter answers every request with the same reply and counts calls.
type countingCompleter struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
	last    backend.Request
}

func (c *countingCompleter) Complete(_ context.Context, req backend.Request) (backend.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = req
	if c.err != nil {
		return backend.Completion{}, c.err
	}
	return backend.Completion{Content: c.content}, nil
}

func (c *countingCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeFS registers fs capabilities that record the paths they receive.
type fakeFS struct {
	mu      sync.Mutex
	dirs    []string
	written map[string]string
}

func newFakeFS(b *bus.Bus) *fakeFS {
	fs := &fakeFS{written: make(map[string]string)}
	b.RegisterCapability(bus.CapabilityFunc{ID: bus.CapCreateDir, Fn: func(_ context.Context, p map[string]any) (any, error) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.dirs = append(fs.dirs, p["path"].(string))
		return nil, nil
	}})
	b.RegisterCapability(bus.CapabilityFunc{ID: bus.CapWriteFile, Fn: func(_ context.Context, p map[string]any) (any, error) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.written[p["path"].(string)] = p["content"].(string)
		return nil, nil
	}})
	return fs
}

func request(t *scheduler.Task, errText string, attempt int) scheduler.ResolveRequest {
	return scheduler.ResolveRequest{
		Task:        t,
		Error:       errText,
		Attempt:     attempt,
		WorkContext: map[string]any{"work_dir": "/w"},
	}
}

func TestRuleTier(t *testing.T) {
	tests := []struct {
		name        string
		task        *scheduler.Task
		err         string
		attempt     int
		wantFixed   bool
		wantCommand string
		wantContent string
	}{
		{
			name:        "dash reports missing pip",
			task:        &scheduler.Task{ID: "i", Type: scheduler.TypeInstallDependencies, Command: "pip install pandas"},
			err:         `command "pip install pandas" exited with code 127: sh: 1: pip: not found`,
			wantFixed:   true,
			wantCommand: "pip3 install pandas",
		},
		{
			name:        "only the missing tool is rewritten",
			task:        &scheduler.Task{ID: "i", Type: scheduler.TypeRunCommand, Command: "python -m venv .venv && pip install -r requirements.txt"},
			err:         "bash: pip: command not found",
			wantFixed:   true,
			wantCommand: "python -m venv .venv && pip3 install -r requirements.txt",
		},
		{
			name:        "pip3 escalates to python3 -m pip",
			task:        &scheduler.Task{ID: "i", Type: scheduler.TypeRunCommand, Command: "pip3 install x"},
			err:         "bash: pip3: command not found",
			wantFixed:   true,
			wantCommand: "python3 -m pip install x",
		},
		{
			name: "unknown tool is not fixed",
			task: &scheduler.Task{ID: "r", Type: scheduler.TypeRunCommand, Command: "frobnicate --all"},
			err:  "bash: frobnicate: command not found",
		},
		{
			name:        "pip install gains --user",
			task:        &scheduler.Task{ID: "i", Type: scheduler.TypeInstallDependencies, Command: "pip install x"},
			err:         "[Errno 13] Permission denied: '/usr/lib/python3/site-packages'",
			wantFixed:   true,
			wantCommand: "pip install x --user",
		},
		{
			name:        "mkdir gains -p",
			task:        &scheduler.Task{ID: "m", Type: scheduler.TypeRunCommand, Command: "mkdir out/models"},
			err:         "mkdir: cannot create directory 'out/models': Permission denied",
			wantFixed:   true,
			wantCommand: "mkdir -p out/models",
		},
		{
			name:        "pip dependency conflict disables cache",
			task:        &scheduler.Task{ID: "i", Type: scheduler.TypeInstallDependencies, Command: "pip install pandas==9.9"},
			err:         "ERROR: Could not find a version that satisfies the requirement pandas==9.9",
			wantFixed:   true,
			wantCommand: "pip install pandas==9.9 --no-cache-dir",
		},
		{
			name:        "pip escalates to force reinstall",
			task:        &scheduler.Task{ID: "i", Type: scheduler.TypeInstallDependencies, Command: "pip install pandas --no-cache-dir"},
			err:         "ERROR: ResolutionImpossible",
			wantFixed:   true,
			wantCommand: "pip install pandas --no-cache-dir --force-reinstall",
		},
		{
			name:        "npm peer conflict",
			task:        &scheduler.Task{ID: "n", Type: scheduler.TypeInstallDependencies, Command: "npm install"},
			err:         "npm ERR! code ERESOLVE",
			wantFixed:   true,
			wantCommand: "npm install --legacy-peer-deps",
		},
		{
			name:        "missing python module is installed first",
			task:        &scheduler.Task{ID: "t", Type: scheduler.TypeRunCommand, Command: "python3 train.py"},
			err:         "ModuleNotFoundError: No module named 'sklearn.linear_model'",
			wantFixed:   true,
			wantCommand: "pip3 install scikit-learn && python3 train.py",
		},
		{
			name:        "network error sleeps first",
			task:        &scheduler.Task{ID: "d", Type: scheduler.TypeRunCommand, Command: "curl -o x.csv https://h/x.csv"},
			err:         "curl: (28) Connection timed out",
			wantFixed:   true,
			wantCommand: "sleep 1 && curl -o x.csv https://h/x.csv",
		},
		{
			name:        "network sleep grows with attempt",
			task:        &scheduler.Task{ID: "d", Type: scheduler.TypeRunCommand, Command: "curl https://h"},
			err:         "ECONNRESET",
			attempt:     3,
			wantFixed:   true,
			wantCommand: "sleep 8 && curl https://h",
		},
		{
			name:        "network sleep is capped",
			task:        &scheduler.Task{ID: "d", Type: scheduler.TypeRunCommand, Command: "curl https://h"},
			err:         "connection refused",
			attempt:     7,
			wantFixed:   true,
			wantCommand: "sleep 30 && curl https://h",
		},
		{
			name:        "python source is normalised",
			task:        &scheduler.Task{ID: "f", Type: scheduler.TypeCreateFile, Path: "main.py", Content: "def f():\r\n\treturn “x”  \r\n"},
			err:         "SyntaxError: invalid syntax",
			wantFixed:   true,
			wantContent: "def f():\n    return \"x\"\n",
		},
		{
			name: "clean python source is left alone",
			task: &scheduler.Task{ID: "f", Type: scheduler.TypeCreateFile, Path: "main.py", Content: "def f(:\n    pass\n"},
			err:  "SyntaxError: invalid syntax",
		},
		{
			name:        "unknown error retries unchanged early",
			task:        &scheduler.Task{ID: "r", Type: scheduler.TypeRunCommand, Command: "make"},
			err:         "exit status 2",
			wantFixed:   true,
			wantCommand: "make",
		},
		{
			name:        "compound command keeps its first step later",
			task:        &scheduler.Task{ID: "r", Type: scheduler.TypeRunCommand, Command: "make build && make test"},
			err:         "exit status 2",
			attempt:     2,
			wantFixed:   true,
			wantCommand: "make build",
		},
		{
			name:    "simple command gives up later",
			task:    &scheduler.Task{ID: "r", Type: scheduler.TypeRunCommand, Command: "make"},
			err:     "exit status 2",
			attempt: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(bus.New())
			res := r.RuleTier(context.Background(), request(tt.task, tt.err, tt.attempt))
			if res.Fixed != tt.wantFixed {
				t.Fatalf("Fixed = %v, want %v (analysis: %s)", res.Fixed, tt.wantFixed, res.Analysis)
			}
			if res.RetryCommand != tt.wantCommand {
				t.Errorf("RetryCommand = %q, want %q", res.RetryCommand, tt.wantCommand)
			}
			if res.RetryContent != tt.wantContent {
				t.Errorf("RetryContent = %q, want %q", res.RetryContent, tt.wantContent)
			}
			if res.Tier != "rules" {
				t.Errorf("Tier = %q, want rules", res.Tier)
			}
			if res.Analysis == "" {
				t.Error("Analysis is empty")
			}
		})
	}
}

func TestRuleTierIsDeterministic(t *testing.T) {
	b := bus.New()
	newFakeFS(b)
	r := New(b)

	reqs := []scheduler.ResolveRequest{
		request(&scheduler.Task{ID: "i", Type: scheduler.TypeInstallDependencies, Command: "pip install x"}, "pip: command not found", 0),
		request(&scheduler.Task{ID: "f", Type: scheduler.TypeCreateFile, Path: "a.py", Content: "x = 1\t\n"}, "IndentationError", 1),
		request(&scheduler.Task{ID: "d", Type: scheduler.TypeCreateFile, Path: "deep/x.txt"}, "no such file or directory", 0),
		request(&scheduler.Task{ID: "g", Type: scheduler.TypeRunCommand, Command: "a; b"}, "boom", 2),
	}
	for _, req := range reqs {
		first := r.RuleTier(context.Background(), req)
		second := r.RuleTier(context.Background(), req)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s: RuleTier not deterministic:\n%+v\n%+v", req.Task.ID, first, second)
		}
	}
}

func TestRuleTierCreatesMissingParent(t *testing.T) {
	b := bus.New()
	fs := newFakeFS(b)
	r := New(b)

	task := &scheduler.Task{ID: "f", Type: scheduler.TypeCreateFile, Path: "src/pkg/mod.py", Content: "x"}
	res := r.RuleTier(context.Background(), request(task, "open /w/src/pkg/mod.py: no such file or directory", 0))
	if !res.Fixed || res.HasRetryAction() {
		t.Fatalf("resolution = %+v, want fixed without retry action", res)
	}
	if len(fs.dirs) != 1 || fs.dirs[0] != "/w/src/pkg" {
		t.Errorf("fs.create_dir calls = %v, want [/w/src/pkg]", fs.dirs)
	}
}

func TestNetworkBackoffForCommandlessTask(t *testing.T) {
	r := New(bus.New(), WithSleepCap(5))
	task := &scheduler.Task{ID: "env", Type: scheduler.TypeSetupEnvironment}

	res := r.RuleTier(context.Background(), request(task, "dial tcp: i/o timeout", 4))
	if !res.Fixed || res.Backoff != 5*time.Second || res.HasRetryAction() {
		t.Errorf("resolution = %+v, want fixed with 5s backoff", res)
	}
}

func TestResolveExhaustion(t *testing.T) {
	cc := &countingCompleter{content: `{"fixed": true}`}
	r := New(bus.New(), WithMaxAttempts(2), WithCompleter(cc))
	task := &scheduler.Task{ID: "r", Type: scheduler.TypeRunCommand, Command: "make"}

	for attempt := 0; attempt < 2; attempt++ {
		if res := r.Resolve(context.Background(), request(task, "exit status 2", attempt)); !res.Fixed {
			t.Fatalf("attempt %d: Fixed = false (%s)", attempt, res.Analysis)
		}
	}

	res := r.Resolve(context.Background(), request(task, "exit status 2", 2))
	if res.Fixed || !res.Exhausted {
		t.Fatalf("third call = %+v, want exhausted", res)
	}
	if res.Analysis != "Max retry attempts exceeded" {
		t.Errorf("Analysis = %q", res.Analysis)
	}
	if cc.count() != 0 {
		t.Errorf("completer called %d times, want 0", cc.count())
	}
}

func TestResolveEscalatesToAI(t *testing.T) {
	b := bus.New()
	cc := &countingCompleter{content: "Here you go:\n```json\n" +
		`{"fixed": true, "retry_command": "make -j1", "error_analysis": "parallel build race {sic}", "recommendations": ["pin make jobs"]}` +
		"\n```"}
	r := New(b, WithCompleter(cc), WithModel("m1"))
	task := &scheduler.Task{ID: "build", Type: scheduler.TypeRunCommand, Command: "make", Description: "build it"}

	res := r.Resolve(context.Background(), request(task, "exit status 2", 2))
	if !res.Fixed || res.RetryCommand != "make -j1" || res.Tier != "ai" {
		t.Fatalf("resolution = %+v, want AI fix", res)
	}
	if res.Analysis != "parallel build race {sic}" || len(res.Recommendations) != 1 {
		t.Errorf("analysis/recommendations = %q %v", res.Analysis, res.Recommendations)
	}
	if cc.count() != 1 || !cc.last.JSON || cc.last.Model != "m1" {
		t.Errorf("completer request = %+v (calls %d)", cc.last, cc.count())
	}
	if prompt := cc.last.Messages[0].Content; !strings.Contains(prompt, "exit status 2") || !strings.Contains(prompt, "work_dir") {
		t.Errorf("prompt lacks error or context:\n%s", prompt)
	}

	v, ok := b.Get(bus.KeyErrorContext)
	if !ok {
		t.Fatal("error_context not set")
	}
	if ec := v.(ErrorContext); ec.TaskID != "build" || ec.Attempt != 2 {
		t.Errorf("error_context = %+v", ec)
	}
}

func TestResolveAIFailures(t *testing.T) {
	tests := []struct {
		name         string
		completer    *countingCompleter
		wantAnalysis string
	}{
		{
			name:         "malformed reply",
			completer:    &countingCompleter{content: "Try turning it off and on again."},
			wantAnalysis: "Failed to parse AI resolution",
		},
		{
			name:         "truncated json",
			completer:    &countingCompleter{content: `{"fixed": true, "retry_command": "ma`},
			wantAnalysis: "Failed to parse AI resolution",
		},
		{
			name:         "transport error",
			completer:    &countingCompleter{err: errors.New("connection refused")},
			wantAnalysis: "AI analysis unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(bus.New(), WithCompleter(tt.completer))
			task := &scheduler.Task{ID: "r", Type: scheduler.TypeRunCommand, Command: "make"}

			res := r.Resolve(context.Background(), request(task, "exit status 2", 2))
			if res.Fixed {
				t.Fatalf("Fixed = true, want false")
			}
			if !strings.HasPrefix(res.Analysis, tt.wantAnalysis) {
				t.Errorf("Analysis = %q, want prefix %q", res.Analysis, tt.wantAnalysis)
			}
			if len(res.Recommendations) == 0 {
				t.Error("no recommendations")
			}
		})
	}
}

func TestResolveWithoutCompleterReturnsRuleVerdict(t *testing.T) {
	r := New(bus.New())
	task := &scheduler.Task{ID: "r", Type: scheduler.TypeRunCommand, Command: "make"}

	res := r.Resolve(context.Background(), request(task, "exit status 2", 2))
	if res.Fixed || res.Tier != "rules" {
		t.Errorf("resolution = %+v, want unfixed rules verdict", res)
	}
	if res.Recommendations[0] != "Manual intervention required" {
		t.Errorf("Recommendations = %v", res.Recommendations)
	}
}

func TestFallbackTier(t *testing.T) {
	t.Run("dataset goes synthetic", func(t *testing.T) {
		r := New(bus.New())
		task := &scheduler.Task{ID: "data", Type: scheduler.TypeFetchDataset}

		res := r.Resolve(context.Background(), request(task, "dataset.fetch: 404 Not Found", 2))
		if !res.Fixed || res.Tier != "fallback" || res.RetryMetadata["source"] != "synthetic" {
			t.Errorf("resolution = %+v, want synthetic fallback", res)
		}
	})

	t.Run("placeholder for missing path", func(t *testing.T) {
		b := bus.New()
		fs := newFakeFS(b)
		r := New(b)
		task := &scheduler.Task{ID: "check", Type: scheduler.TypeRunValidation, Path: "report.md"}

		res := r.Resolve(context.Background(), request(task, "/w/report.md: no such file or directory", 0))
		if !res.Fixed || res.Tier != "fallback" || res.HasRetryAction() {
			t.Fatalf("resolution = %+v, want fixed fallback without retry action", res)
		}
		if !strings.Contains(res.Analysis, "not a real fix") {
			t.Errorf("Analysis = %q", res.Analysis)
		}
		if content, ok := fs.written["/w/report.md"]; !ok || !strings.Contains(content, "placeholder") {
			t.Errorf("written = %v", fs.written)
		}
	})

	t.Run("persistent network skips", func(t *testing.T) {
		r := New(bus.New())
		task := &scheduler.Task{ID: "deps", Type: scheduler.TypeRunCommand, Command: "pip install x"}

		res := r.Resolve(context.Background(), request(task, "Could not resolve host: pypi.org", 2))
		if !res.Fixed || !res.Skip || res.Tier != "fallback" {
			t.Errorf("resolution = %+v, want skip", res)
		}
	})
}

func TestSwapDownloader(t *testing.T) {
	tests := map[string]string{
		"curl -L -o data.csv https://x/y.csv":      "wget -q -O data.csv https://x/y.csv",
		"wget -O data.csv https://x/y.csv":         "curl -fsSL -o data.csv https://x/y.csv",
		"wget https://x/y.csv":                     "curl -fsSLO https://x/y.csv",
		"mkdir -p data && curl -O https://x/y.csv": "mkdir -p data && wget -q https://x/y.csv",
	}
	for in, want := range tests {
		got, ok := swapDownloader(in)
		if !ok || got != want {
			t.Errorf("swapDownloader(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := swapDownloader("curl --version"); ok {
		t.Error("command without URL reported as swapped")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:                             `{"a":1}`,
		"```json\n{\"a\":1}\n```":             `{"a":1}`,
		`Sure! {"a":"}{"} hope that helps {}`: `{"a":"}{"}`,
		`{"a":{"b":"\"}"}} trailing`:          `{"a":{"b":"\"}"}}`,
		"no json here":                        "no json here",
	}
	for in, want := range tests {
		if got := extractJSON(in); got != want {
			t.Errorf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveAnnouncesVerdict(t *testing.T) {
	b := bus.New()
	r := New(b)
	task := &scheduler.Task{ID: "r", Type: scheduler.TypeRunCommand, Command: "make"}
	r.Resolve(context.Background(), request(task, "exit status 2", 0))

	for _, msg := range b.History() {
		if n, ok := msg.Payload.(bus.Notification); ok && n.Agent == agentName {
			if !strings.Contains(n.Message, "rules tier") {
				t.Errorf("notification = %q", n.Message)
			}
			return
		}
	}
	t.Error("no resolver notification published")
}

func TestTruncateCutsOnRuneBoundary(t *testing.T) {
	in := strings.Repeat("é", 10) // 20 bytes
	got := truncate(in, 5)
	if got != "éé...(truncated)" {
		t.Errorf("truncate = %q", got)
	}
	if !utf8.ValidString(got) {
		t.Error("truncate produced invalid UTF-8")
	}
	if truncate("ok", 5) != "ok" {
		t.Error("short input should be unchanged")
	}
}
