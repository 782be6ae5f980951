package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/scriptq/internal/interp/exprlang"
	"github.com/dontdude/scriptq/internal/platform/docker"
	"github.com/dontdude/scriptq/internal/transcript"
)

// probes are scripts whose value must be "2" for each backend.
var probes = map[string]string{
	"expr":   "1 + 1",
	"python": "print(1 + 1)",
	"sh":     "echo $((1 + 1))",
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check that the configured interpreter backend works, Redis is reachable
(when enabled) and the transcript location is writable.

Examples:
  scriptq doctor
  SCRIPTQ_INTERPRETER_KIND=docker scriptq doctor`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type check struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	checks := []check{
		{name: "Go runtime", run: func(context.Context) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{name: "Interpreter", run: checkInterpreter},
	}
	if cfg.Redis.Enabled {
		checks = append(checks, check{name: "Redis", run: checkRedis})
	}
	if cfg.Transcript.Enabled {
		checks = append(checks, check{name: "Transcript", run: checkTranscript})
	}

	return runChecks(ctx, cmd.OutOrStdout(), checks)
}

func runChecks(ctx context.Context, out io.Writer, checks []check) error {
	fmt.Fprintln(out, "=== scriptq doctor ===")
	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(out, "[%d/%d] %s... FAIL %v\n", i+1, len(checks), c.name, err)
			continue
		}
		fmt.Fprintf(out, "[%d/%d] %s... ok %s\n", i+1, len(checks), c.name, detail)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	fmt.Fprintln(out, "All checks passed")
	return nil
}

func checkInterpreter(ctx context.Context) (string, error) {
	if cfg.Interpreter.Kind != "docker" {
		v, err := exprlang.New().Execute(ctx, probes["expr"], nil)
		if err != nil {
			return "", err
		}
		return probeResult("expr", v)
	}

	d := cfg.Interpreter.Docker
	cli, err := docker.NewClient(ctx, docker.Options{
		Image:    d.Image,
		Language: d.Language,
		MemoryMB: d.MemoryMB,
		Timeout:  d.Timeout,
	})
	if err != nil {
		return "", err
	}
	defer cli.Close()

	probe, ok := probes[d.Language]
	if !ok {
		return "daemon reachable (no probe for " + d.Language + ")", nil
	}
	v, err := cli.Execute(ctx, probe, nil)
	if err != nil {
		return "", err
	}
	return probeResult("docker/"+d.Language, v)
}

func probeResult(backend string, v any) (string, error) {
	if fmt.Sprint(v) != "2" {
		return "", fmt.Errorf("probe returned %v, want 2", v)
	}
	return backend, nil
}

func checkRedis(ctx context.Context) (string, error) {
	rq, err := openRedis(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer rq.Close()
	return cfg.Redis.Addr, nil
}

func checkTranscript(ctx context.Context) (string, error) {
	l, err := transcript.NewTextLogger(cfg.Transcript.Dir, "doctor-probe")
	if err != nil {
		return "", err
	}
	path := l.Path()
	_ = l.Close()
	_ = os.Remove(path)

	if cfg.Transcript.SQLitePath != "" {
		sl, err := transcript.OpenSQLLogger(ctx, cfg.Transcript.SQLitePath, "doctor-probe")
		if err != nil {
			return "", err
		}
		_ = sl.Close()
	}
	return cfg.Transcript.Dir, nil
}
