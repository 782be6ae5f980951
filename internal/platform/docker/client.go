package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

// Options configures the container interpreter.
type Options struct {
	// Image overrides the language's default image.
	Image    string
	Language string
	MemoryMB int64
	// Timeout bounds a single container run. Zero means no extra bound.
	Timeout time.Duration
}

// Client wraps the official Docker SDK client and behaves as a stateful
// interpreter: every successful script is replayed ahead of the next one.
type Client struct {
	cli  *client.Client
	lang language
	opts Options

	mu       sync.Mutex
	pulled   bool
	accepted []string
}

// Check if Client implements domain.Interpreter
var (
	_ domain.Interpreter = (*Client)(nil)
	_ domain.Resetter    = (*Client)(nil)
)

// NewClient initializes a Docker client for the configured language.
// It performs a connection check (Ping) so a missing daemon fails at startup.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	lang, ok := languages[strings.ToLower(strings.TrimSpace(opts.Language))]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", opts.Language)
	}
	if opts.Image == "" {
		opts.Image = lang.image
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	c := &Client{cli: cli, lang: lang, opts: opts}
	if err := c.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}

	observability.Logger.Info("Docker client initialized",
		zap.String("image", opts.Image), zap.String("language", lang.name))
	return c, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("connect to docker daemon: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Execute runs the accumulated program plus script in an ephemeral container.
// Lines printed by script are emitted as messages; its last line is the value.
func (c *Client) Execute(ctx context.Context, script string, emit func(string)) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	if err := c.ensureImage(ctx); err != nil {
		return nil, err
	}

	program := c.lang.program(c.accepted, script)
	stdout, stderr, exitCode, err := c.run(ctx, program)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = "no stderr output"
		}
		return nil, fmt.Errorf("exit code %d: %s", exitCode, msg)
	}

	messages, value := splitOutput(stdout)
	if emit != nil {
		for _, m := range messages {
			emit(m)
		}
	}

	c.accepted = append(c.accepted, script)

	if strings.HasSuffix(strings.TrimSpace(script), ";") || value == "" {
		return nil, nil
	}
	return value, nil
}

// Reset forgets every accepted script.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = nil
}

func (c *Client) ensureImage(ctx context.Context) error {
	if c.pulled {
		return nil
	}

	observability.Logger.Info("Pulling image", zap.String("image", c.opts.Image))
	reader, err := c.cli.ImagePull(ctx, c.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	// Drain the response body to ensure the pull completes properly.
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	c.pulled = true
	return nil
}

// run creates, starts and waits for a single container, returning its
// demultiplexed output. The container is always removed.
func (c *Client) run(ctx context.Context, program []string) (string, string, int64, error) {
	memory := c.opts.MemoryMB
	if memory <= 0 {
		memory = 512
	}

	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:           c.opts.Image,
		Cmd:             program,
		NetworkDisabled: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: memory * 1024 * 1024,
		},
	}, nil, nil, "")
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create container: %w", err)
	}
	logger := observability.Logger.With(zap.String("container_id", resp.ID))
	logger.Debug("Container created")

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove container", zap.Error(err))
		}
	}()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", "", 0, fmt.Errorf("failed to start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", "", 0, fmt.Errorf("failed waiting for container: %w", err)
		}
	case status := <-statusCh:
		if status.Error != nil {
			return "", "", 0, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	logs, err := c.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", "", 0, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}

	logger.Debug("Container finished", zap.Int64("exit_code", exitCode))
	return stdout.String(), stderr.String(), exitCode, nil
}
