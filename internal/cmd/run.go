package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

var runCmd = &cobra.Command{
	Use:   "run <pattern>...",
	Short: "Run script files in order in a local session",
	Long: `Expand each pattern (doublestar globs such as cells/**/*.expr), submit every
matched file to a fresh local session in sorted order, and print each value.
A file's job name is its base name without extension.

The first failure prints that job's messages and stops the run with a
non-zero exit; files queued behind it are not executed.

Examples:
  scriptq run setup.expr model.expr
  scriptq run 'notebook/**/*.expr'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	defer observability.Sync()
	ctx := cmd.Context()

	files, err := expandPatterns(args)
	if err != nil {
		return err
	}

	sess, err := startSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	return runFiles(ctx, sess, files, cmd.OutOrStdout())
}

// jobRunner is the part of a session runFiles drives.
type jobRunner interface {
	Submit(name, script string) (string, error)
	Await(ctx context.Context, name string) (any, error)
	Status(name string) (domain.Status, error)
}

// runFiles queues every file, then prints each job's messages and value in
// order. A rejected submission stops queueing; the jobs already queued are
// still reported so the failure that caused the rejection is shown.
func runFiles(ctx context.Context, q jobRunner, files []string, out io.Writer) error {
	var submitErr error
	names := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			submitErr = fmt.Errorf("read %s: %w", f, err)
			break
		}
		name, err := q.Submit(jobName(f), string(data))
		if err != nil {
			submitErr = err
			break
		}
		names = append(names, name)
	}

	for _, name := range names {
		value, err := q.Await(ctx, name)
		if st, serr := q.Status(name); serr == nil {
			for _, m := range st.New {
				fmt.Fprintf(out, "[%s] %s\n", name, m)
			}
		}
		if err != nil {
			return err
		}
		if value != nil {
			fmt.Fprintf(out, "%s: %v\n", name, value)
		}
	}
	return submitErr
}

// expandPatterns resolves globs to a sorted, de-duplicated list of files.
// A pattern without glob syntax must name an existing file.
func expandPatterns(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, p := range patterns {
		if !doublestar.ValidatePattern(filepath.ToSlash(p)) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", p)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no files to run")
	}
	return files, nil
}

func jobName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
