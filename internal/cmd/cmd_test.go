package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dontdude/scriptq/internal/domain"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

// execute runs the root command with args in an isolated environment.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SCRIPTQ_TRANSCRIPT_DIR", t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	SetVersionInfo("1.0.0", "abc123", "2026-10-17")
	assert.Equal(t, VersionInfo{Version: "1.0.0", Commit: "abc123", BuildDate: "2026-10-17"}, versionInfo)
}

func TestJobName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "model.expr", want: "model"},
		{path: "cells/01-setup.py", want: "01-setup"},
		{path: "noext", want: "noext"},
		{path: "dir/archive.tar.gz", want: "archive.tar"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, jobName(tt.path))
		})
	}
}

func TestExpandPatterns(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"b.expr":         "",
		"a.expr":         "",
		"nested/c.expr":  "",
		"nested/d.other": "",
	})

	files, err := expandPatterns([]string{filepath.Join(dir, "**", "*.expr"), filepath.Join(dir, "a.expr")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.expr"),
		filepath.Join(dir, "b.expr"),
		filepath.Join(dir, "nested", "c.expr"),
	}, files)

	_, err = expandPatterns([]string{filepath.Join(dir, "*.none")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files match")

	_, err = expandPatterns([]string{filepath.Join(dir, "[")})
	require.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"01-setup.expr": "x = 20;",
		"02-model.expr": "print x\nx * 2 + 2",
	})

	out, err := execute(t, "run", filepath.Join(dir, "*.expr"))
	require.NoError(t, err)
	assert.Equal(t, "[02-model] 20\n02-model: 42\n", out)
}

func TestRunCommandStopsAtFailure(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"1.expr": "1",
		"2.expr": "1/0",
		"3.expr": "3",
	})

	out, err := execute(t, "run", filepath.Join(dir, "*.expr"))
	require.Error(t, err)
	assert.Contains(t, out, "1: 1\n")
	assert.Contains(t, out, "[2] ")
	assert.NotContains(t, out, "3: 3")
}

// rejectingRunner fails job "2" and rejects every submission after it, as a
// session does once the worker has reached the failure.
type rejectingRunner struct {
	submitted []string
}

func (r *rejectingRunner) Submit(name, _ string) (string, error) {
	if len(r.submitted) == 2 {
		return "", fmt.Errorf("%w: job %q failed", domain.ErrSubmissionRejected, "2")
	}
	r.submitted = append(r.submitted, name)
	return name, nil
}

func (r *rejectingRunner) Await(_ context.Context, name string) (any, error) {
	if name == "2" {
		return nil, &domain.JobError{Name: "2", Err: domain.ErrScriptExecution}
	}
	return 1, nil
}

func (r *rejectingRunner) Status(name string) (domain.Status, error) {
	if name == "2" {
		return domain.Status{Name: name, State: domain.JobStateFailed, New: []string{"boom"}}, nil
	}
	return domain.Status{Name: name, State: domain.JobStateCompleted}, nil
}

func TestRunFilesReportsFailureAfterRejectedSubmit(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"1.expr": "1", "2.expr": "1/0", "3.expr": "3"})
	files := []string{filepath.Join(dir, "1.expr"), filepath.Join(dir, "2.expr"), filepath.Join(dir, "3.expr")}

	var out bytes.Buffer
	runner := &rejectingRunner{}
	err := runFiles(context.Background(), runner, files, &out)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrScriptExecution)
	assert.Equal(t, []string{"1", "2"}, runner.submitted)
	assert.Equal(t, "1: 1\n[2] boom\n", out.String())
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, "config", "--log-level", "debug")
	require.NoError(t, err)

	var settings map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &settings))
	logging, ok := settings["logging"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "debug", logging["level"])
}

func TestRunChecks(t *testing.T) {
	var out bytes.Buffer
	err := runChecks(context.Background(), &out, []check{
		{name: "good", run: func(context.Context) (string, error) { return "fine", nil }},
		{name: "bad", run: func(context.Context) (string, error) { return "", errors.New("broken") }},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 checks failed")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[1/2] good... ok fine", lines[1])
	assert.Equal(t, "[2/2] bad... FAIL broken", lines[2])
}

func TestDoctorWithBuiltinInterpreter(t *testing.T) {
	out, err := execute(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "Interpreter... ok expr")
	assert.Contains(t, out, "All checks passed")
}
