// Package executor runs language-tagged code blocks as subprocesses with
// a wall-clock timeout, classifies how each run ended, retries once after
// installing a missing package, and extracts rendered images smuggled
// through the output stream between sentinel markers.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"voxcoder/log"
)

type Kind string

const (
	KindSuccess       Kind = "success"
	KindTimeout       Kind = "timeout"
	KindRuntimeError  Kind = "runtime_error"
	KindDepResolved   Kind = "dependency_resolved"
	KindDepUnresolved Kind = "dependency_unresolved"
)

// Result describes one run of one code block. Output preserves ANSI
// escape sequences verbatim; the engine never interprets them.
type Result struct {
	Kind      Kind
	Output    string
	Images    []string // data URIs extracted from the sentinel protocol
	Installed []string
	Elapsed   time.Duration
}

const DefaultTimeout = 30 * time.Second

type Config struct {
	Timeout  time.Duration // per-run wall clock, default 30s
	Python   []string      // interpreter argv, default {"python3"}
	Shell    []string      // default {"/bin/sh"}
	Registry Registry      // package environment, default pip via Python
}

type Engine struct {
	timeout  time.Duration
	python   []string
	shell    []string
	registry Registry
}

func New(cfg Config) *Engine {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Python) == 0 {
		cfg.Python = []string{"python3"}
	}
	if len(cfg.Shell) == 0 {
		cfg.Shell = []string{"/bin/sh"}
	}
	if cfg.Registry == nil {
		cfg.Registry = NewPipRegistry(cfg.Python)
	}
	return &Engine{
		timeout:  cfg.Timeout,
		python:   cfg.Python,
		shell:    cfg.Shell,
		registry: cfg.Registry,
	}
}

// ExecutableLanguage reports whether the engine can run blocks tagged
// with the given language.
func ExecutableLanguage(lang string) bool {
	switch strings.ToLower(lang) {
	case "python", "py", "bash", "sh", "shell":
		return true
	}
	return false
}

var missingModuleRe = regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`)

// missingModule returns the top-level package named by a Python import
// failure in the captured output, or "".
func missingModule(output string) string {
	m := missingModuleRe.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return strings.SplitN(m[1], ".", 2)[0]
}

// Execute runs one code block to completion or timeout. Every failure
// mode is represented in the result's Kind; no error escapes.
func (e *Engine) Execute(ctx context.Context, source, lang string) Result {
	start := time.Now()

	var argv []string
	var script, ext string
	isPython := false
	switch strings.ToLower(lang) {
	case "python", "py":
		argv, script, ext = e.python, pythonScript(source), ".py"
		isPython = true
	case "bash", "sh", "shell":
		argv, script, ext = e.shell, source, ".sh"
	default:
		return Result{
			Kind:    KindRuntimeError,
			Output:  fmt.Sprintf("unsupported language %q", lang),
			Elapsed: time.Since(start),
		}
	}

	out, ok, timedOut, err := e.runScript(ctx, argv, script, ext)
	if err != nil {
		return Result{Kind: KindRuntimeError, Output: err.Error(), Elapsed: time.Since(start)}
	}
	if timedOut {
		return Result{Kind: KindTimeout, Output: out, Elapsed: time.Since(start)}
	}

	text, images := extractImages(out)
	if ok {
		return Result{Kind: KindSuccess, Output: text, Images: images, Elapsed: time.Since(start)}
	}

	missing := ""
	if isPython {
		missing = missingModule(out)
	}
	if missing == "" {
		return Result{Kind: KindRuntimeError, Output: text, Elapsed: time.Since(start)}
	}

	// Exactly one remediation attempt. A successful install lands in the
	// shared process-wide environment and is not rolled back.
	log.Infof("executor: auto-installing %s", missing)
	if err := e.registry.Install(ctx, missing); err != nil {
		return Result{
			Kind:    KindDepUnresolved,
			Output:  text + "\n" + err.Error(),
			Elapsed: time.Since(start),
		}
	}
	installed := []string{missing}

	out2, ok2, timedOut2, err2 := e.runScript(ctx, argv, script, ext)
	if err2 != nil {
		return Result{Kind: KindDepUnresolved, Output: text + "\n" + err2.Error(), Installed: installed, Elapsed: time.Since(start)}
	}
	if timedOut2 {
		return Result{Kind: KindTimeout, Output: out2, Installed: installed, Elapsed: time.Since(start)}
	}

	text2, images2 := extractImages(out2)
	if !ok2 {
		// Accumulated diagnostics from both attempts.
		return Result{
			Kind:      KindDepUnresolved,
			Output:    strings.TrimRight(text, "\n") + "\n" + text2,
			Installed: installed,
			Elapsed:   time.Since(start),
		}
	}
	return Result{Kind: KindDepResolved, Output: text2, Images: images2, Installed: installed, Elapsed: time.Since(start)}
}

// runScript writes the script to a temp file owned by this call and runs
// the interpreter against it. The file is removed on every exit path.
func (e *Engine) runScript(ctx context.Context, argv []string, script, ext string) (output string, ok, timedOut bool, err error) {
	tmp, err := os.CreateTemp("", "voxcoder-*"+ext)
	if err != nil {
		return "", false, false, fmt.Errorf("executor: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return "", false, false, fmt.Errorf("executor: writing script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, false, fmt.Errorf("executor: closing script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], append(append([]string{}, argv[1:]...), tmp.Name())...)

	// Single interleaved stream: os/exec serializes writes when Stdout
	// and Stderr are the same writer.
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return buf.String(), false, true, nil
	}
	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			return buf.String(), false, false, fmt.Errorf("executor: starting process: %w", runErr)
		}
		return buf.String(), false, false, nil
	}
	return buf.String(), true, false, nil
}
