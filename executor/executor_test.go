package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func shellEngine(t *testing.T, timeout time.Duration) *Engine {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return New(Config{Timeout: timeout, Registry: &fakeRegistry{}})
}

type fakeRegistry struct {
	mu     sync.Mutex
	calls  int
	err    error
	marker string
}

func (r *fakeRegistry) Install(_ context.Context, pkg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	if r.marker != "" {
		os.WriteFile(r.marker, []byte(pkg), 0644)
	}
	return nil
}

func (r *fakeRegistry) installCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestExecutableLanguage(t *testing.T) {
	for _, tt := range []struct {
		lang string
		want bool
	}{
		{"python", true},
		{"py", true},
		{"bash", true},
		{"sh", true},
		{"shell", true},
		{"Python", true},
		{"html", false},
		{"javascript", false},
		{"", false},
	} {
		t.Run("lang_"+tt.lang, func(t *testing.T) {
			if got := ExecutableLanguage(tt.lang); got != tt.want {
				t.Errorf("ExecutableLanguage(%q) = %v, want %v", tt.lang, got, tt.want)
			}
		})
	}
}

func TestMissingModule(t *testing.T) {
	for _, tt := range []struct {
		name, output, want string
	}{
		{"simple", "ModuleNotFoundError: No module named 'requests'", "requests"},
		{"dotted", "ModuleNotFoundError: No module named 'sklearn.datasets'", "sklearn"},
		{"embedded", "Traceback...\nModuleNotFoundError: No module named 'numpy'\n", "numpy"},
		{"none", "ValueError: bad input", ""},
		{"empty", "", ""},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := missingModule(tt.output); got != tt.want {
				t.Errorf("missingModule = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractImages(t *testing.T) {
	payload := "data:image/png;base64,iVBORtest"
	raw := "before\n" + ImageMarkerBegin + payload + ImageMarkerEnd + "\nafter\n"

	text, images := extractImages(raw)
	if len(images) != 1 || images[0] != payload {
		t.Fatalf("images = %v, want [%s]", images, payload)
	}
	if strings.Contains(text, ImageMarkerBegin) || strings.Contains(text, ImageMarkerEnd) {
		t.Errorf("marker text leaked into output: %q", text)
	}
	if !strings.Contains(text, "before") || !strings.Contains(text, "after") {
		t.Errorf("surrounding text lost: %q", text)
	}

	t.Run("multiple", func(t *testing.T) {
		raw := ImageMarkerBegin + "one" + ImageMarkerEnd + "\n" + ImageMarkerBegin + "two" + ImageMarkerEnd + "\n"
		_, images := extractImages(raw)
		if len(images) != 2 || images[0] != "one" || images[1] != "two" {
			t.Errorf("images = %v, want [one two]", images)
		}
	})

	t.Run("none", func(t *testing.T) {
		text, images := extractImages("plain output\n")
		if len(images) != 0 {
			t.Errorf("unexpected images: %v", images)
		}
		if text != "plain output\n" {
			t.Errorf("text = %q", text)
		}
	})
}

func TestExecuteShellSuccess(t *testing.T) {
	eng := shellEngine(t, 5*time.Second)

	res := eng.Execute(t.Context(), `echo hi`, "sh")
	if res.Kind != KindSuccess {
		t.Fatalf("Kind = %s, want success (output: %q)", res.Kind, res.Output)
	}
	if res.Output != "hi\n" {
		t.Errorf("Output = %q, want %q", res.Output, "hi\n")
	}
	if len(res.Images) != 0 {
		t.Errorf("unexpected images: %d", len(res.Images))
	}
	if res.Elapsed <= 0 {
		t.Error("Elapsed should be positive")
	}
}

func TestExecuteIdempotentRerun(t *testing.T) {
	eng := shellEngine(t, 5*time.Second)

	first := eng.Execute(t.Context(), `echo stable`, "bash")
	second := eng.Execute(t.Context(), `echo stable`, "bash")
	if first.Output != second.Output {
		t.Errorf("re-run output differs: %q vs %q", first.Output, second.Output)
	}
	if first.Kind != KindSuccess || second.Kind != KindSuccess {
		t.Errorf("kinds = %s, %s", first.Kind, second.Kind)
	}
}

func TestExecuteRuntimeError(t *testing.T) {
	eng := shellEngine(t, 5*time.Second)

	res := eng.Execute(t.Context(), "echo boom >&2\nexit 3", "sh")
	if res.Kind != KindRuntimeError {
		t.Fatalf("Kind = %s, want runtime_error", res.Kind)
	}
	if !strings.Contains(res.Output, "boom") {
		t.Errorf("Output = %q, want diagnostic text preserved", res.Output)
	}
}

func TestExecuteTimeout(t *testing.T) {
	eng := shellEngine(t, 300*time.Millisecond)

	before := tempScripts(t)

	res := eng.Execute(t.Context(), "echo partial\nsleep 10", "sh")
	if res.Kind != KindTimeout {
		t.Fatalf("Kind = %s, want timeout", res.Kind)
	}
	if !strings.Contains(res.Output, "partial") {
		t.Errorf("Output = %q, want output captured before the deadline", res.Output)
	}

	for f := range tempScripts(t) {
		if !before[f] {
			t.Errorf("temp file %s left behind after timeout", f)
		}
	}
}

func tempScripts(t *testing.T) map[string]bool {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "voxcoder-*"))
	if err != nil {
		t.Fatal(err)
	}
	set := make(map[string]bool, len(matches))
	for _, m := range matches {
		set[m] = true
	}
	return set
}

func TestExecuteShellSentinel(t *testing.T) {
	eng := shellEngine(t, 5*time.Second)

	payload := "data:image/png;base64,AAAA"
	src := fmt.Sprintf("printf '%%s%%s%%s\\n' %q %q %q\necho done", ImageMarkerBegin, payload, ImageMarkerEnd)

	res := eng.Execute(t.Context(), src, "sh")
	if res.Kind != KindSuccess {
		t.Fatalf("Kind = %s (output %q)", res.Kind, res.Output)
	}
	if len(res.Images) != 1 || res.Images[0] != payload {
		t.Fatalf("Images = %v, want one payload", res.Images)
	}
	if strings.Contains(res.Output, ImageMarkerBegin) {
		t.Errorf("sentinel leaked into output: %q", res.Output)
	}
	if !strings.Contains(res.Output, "done") {
		t.Errorf("Output = %q, want to contain done", res.Output)
	}
}

// fakeInterpreter writes an executable that fails with a missing-module
// error until the registry's marker file exists, then succeeds. It logs
// each invocation so tests can count subprocess runs.
func fakeInterpreter(t *testing.T, marker, runlog string, alwaysFail bool) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fakepython")
	var body string
	if alwaysFail {
		body = fmt.Sprintf(`#!/bin/sh
echo run >> %q
echo "ModuleNotFoundError: No module named 'foopkg'" >&2
exit 1
`, runlog)
	} else {
		body = fmt.Sprintf(`#!/bin/sh
echo run >> %q
if [ -f %q ]; then
  echo "resolved output"
  exit 0
fi
echo "ModuleNotFoundError: No module named 'foopkg'" >&2
exit 1
`, runlog, marker)
	}
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCount(t *testing.T, runlog string) int {
	t.Helper()
	data, err := os.ReadFile(runlog)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "run")
}

func TestExecuteDependencyResolved(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "installed")
	runlog := filepath.Join(dir, "runs")
	reg := &fakeRegistry{marker: marker}
	eng := New(Config{
		Timeout:  5 * time.Second,
		Python:   []string{fakeInterpreter(t, marker, runlog, false)},
		Registry: reg,
	})

	res := eng.Execute(t.Context(), "import foopkg", "python")
	if res.Kind != KindDepResolved {
		t.Fatalf("Kind = %s, want dependency_resolved (output %q)", res.Kind, res.Output)
	}
	if reg.installCalls() != 1 {
		t.Errorf("installer invoked %d times, want exactly 1", reg.installCalls())
	}
	if got := runCount(t, runlog); got != 2 {
		t.Errorf("subprocess runs = %d, want 2", got)
	}
	// Output reflects the successful second run only.
	if res.Output != "resolved output\n" {
		t.Errorf("Output = %q, want %q", res.Output, "resolved output\n")
	}
	if len(res.Installed) != 1 || res.Installed[0] != "foopkg" {
		t.Errorf("Installed = %v, want [foopkg]", res.Installed)
	}
}

func TestExecuteDependencyInstallFails(t *testing.T) {
	dir := t.TempDir()
	runlog := filepath.Join(dir, "runs")
	reg := &fakeRegistry{err: fmt.Errorf("pip exploded")}
	eng := New(Config{
		Timeout:  5 * time.Second,
		Python:   []string{fakeInterpreter(t, "", runlog, true)},
		Registry: reg,
	})

	res := eng.Execute(t.Context(), "import foopkg", "python")
	if res.Kind != KindDepUnresolved {
		t.Fatalf("Kind = %s, want dependency_unresolved", res.Kind)
	}
	if reg.installCalls() != 1 {
		t.Errorf("installer invoked %d times, want exactly 1", reg.installCalls())
	}
	if got := runCount(t, runlog); got != 1 {
		t.Errorf("subprocess runs = %d, want 1 (no retry after failed install)", got)
	}
	if !strings.Contains(res.Output, "ModuleNotFoundError") {
		t.Errorf("Output = %q, want first-attempt diagnostics", res.Output)
	}
}

func TestExecuteDependencyRetryFails(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "installed")
	runlog := filepath.Join(dir, "runs")
	reg := &fakeRegistry{marker: marker}
	eng := New(Config{
		Timeout:  5 * time.Second,
		Python:   []string{fakeInterpreter(t, marker, runlog, true)}, // fails both runs
		Registry: reg,
	})

	res := eng.Execute(t.Context(), "import foopkg", "python")
	if res.Kind != KindDepUnresolved {
		t.Fatalf("Kind = %s, want dependency_unresolved", res.Kind)
	}
	if reg.installCalls() != 1 {
		t.Errorf("installer invoked %d times, want exactly 1 (no second remediation)", reg.installCalls())
	}
	if got := runCount(t, runlog); got != 2 {
		t.Errorf("subprocess runs = %d, want at most 2 total", got)
	}
}

func TestExecuteNoInstallerWhenModulePresent(t *testing.T) {
	reg := &fakeRegistry{}
	eng := New(Config{
		Timeout:  5 * time.Second,
		Shell:    []string{"/bin/sh"},
		Registry: reg,
	})
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	res := eng.Execute(t.Context(), "echo fine", "sh")
	if res.Kind != KindSuccess {
		t.Fatalf("Kind = %s", res.Kind)
	}
	if reg.installCalls() != 0 {
		t.Errorf("installer invoked %d times, want 0", reg.installCalls())
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	eng := New(Config{Registry: &fakeRegistry{}})
	res := eng.Execute(t.Context(), "whatever", "cobol")
	if res.Kind != KindRuntimeError {
		t.Errorf("Kind = %s, want runtime_error", res.Kind)
	}
}

func TestPythonScriptContainsUserCode(t *testing.T) {
	script := pythonScript("print('hi')\n")
	if !strings.Contains(script, "print('hi')") {
		t.Error("user code missing from harness")
	}
	if !strings.Contains(script, `_mpl.use("Agg")`) {
		t.Error("Agg backend not forced before user code")
	}
	if !strings.Contains(script, ImageMarkerBegin) || !strings.Contains(script, ImageMarkerEnd) {
		t.Error("sentinel markers missing from harness epilogue")
	}
}
