package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"voxcoder/agent"
	"voxcoder/executor"
	"voxcoder/log"
	"voxcoder/server"
	"voxcoder/transcriber"
)

var version = "dev"

func main() {
	addrFlag := flag.String("addr", ":8000", "HTTP listen address")
	staticFlag := flag.String("static", "static", "Directory with the web UI (empty to disable)")
	langFlag := flag.String("lang", "", "Language code for transcription (e.g., en, it). Empty = auto-detect")
	timeoutFlag := flag.Duration("timeout", executor.DefaultTimeout, "Wall-clock limit per code execution")
	pythonFlag := flag.String("python", "python3", "Python interpreter for code execution")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	crashFlag := flag.Bool("crash", false, "Trigger synthetic panic for testing crash logging")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("voxcoder %s\n", version)
		os.Exit(0)
	}

	// Resolve log directory early
	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)

	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *crashFlag {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not initialize logging: %v\n", err)
	}
	defer log.Close()

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	apiKey := os.Getenv("MISTRAL_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: MISTRAL_API_KEY not set")
		os.Exit(1)
	}

	stt, err := transcriber.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *langFlag != "" {
		stt.SetLanguage(*langFlag)
	}

	fmt.Println("Creating agent...")
	bridge := agent.NewClient(apiKey)
	createCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	agentID, err := bridge.CreateAgent(createCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Agent ready: %s\n", agentID)

	engine := executor.New(executor.Config{
		Timeout: *timeoutFlag,
		Python:  []string{*pythonFlag},
	})

	srv := server.New(server.Config{
		Transcriber: stt,
		Bridge:      bridge,
		AgentID:     agentID,
		Engine:      engine,
		Language:    *langFlag,
		StaticDir:   *staticFlag,
	})

	httpSrv := &http.Server{Addr: *addrFlag, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("voxcoder %s listening on %s\n", version, *addrFlag)
		log.Infof("listening on %s", *addrFlag)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "\nReceived %s, shutting down...\n", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpSrv.Shutdown(shutdownCtx)
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			log.Errorf("server: %v", err)
			os.Exit(1)
		}
	}
}
