package sterad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTransformRejected means the transform ran but its output was unusable.
var ErrTransformRejected = errors.New("transform output rejected")

// maxTransformGrowth bounds transform output relative to its input.
const maxTransformGrowth = 3

// InterceptContext is handed to the external transform next to the HTML.
type InterceptContext struct {
	Path         string `json:"path"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	OriginalHTML string `json:"originalHtml"`
	Timestamp    int64  `json:"timestamp"`
}

type transformRequest struct {
	HTML    string           `json:"html"`
	Context InterceptContext `json:"context"`
}

// Transformer runs an operator-supplied executable over each snapshot. It
// reads a JSON request on stdin and must print the new HTML on stdout.
type Transformer struct {
	command string
	args    []string
	timeout time.Duration
}

// NewTransformer returns nil when no command is configured.
func NewTransformer(command string, args []string, timeout time.Duration) *Transformer {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultTransformTimeout
	}
	return &Transformer{command: command, args: args, timeout: timeout}
}

// Transform returns the transformed document. Any failure returns an error
// and the caller keeps the input. The process is killed when the timeout
// expires.
func (t *Transformer) Transform(ctx context.Context, doc string, ic InterceptContext) (string, error) {
	payload, err := json.Marshal(transformRequest{HTML: doc, Context: ic})
	if err != nil {
		return "", fmt.Errorf("encode transform request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	limit := maxTransformGrowth * len(doc)
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: 4096}

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("transform timed out after %s: %w", t.timeout, ctx.Err())
		}
		return "", fmt.Errorf("transform failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.overflow {
		return "", fmt.Errorf("%w: output larger than %d bytes", ErrTransformRejected, limit)
	}
	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: empty output", ErrTransformRejected)
	}
	return out, nil
}

// cappedBuffer keeps at most limit bytes and remembers whether more arrived.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if len(p) > room {
		c.overflow = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string { return c.buf.String() }
