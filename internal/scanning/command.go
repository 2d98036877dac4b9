package scanning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds a single OCR process run
const DefaultCommandTimeout = 30 * time.Second

// Command implements the Scanner interface by running an external OCR program.
//
// The program is invoked as `<path> <args...> <image file>` and must print
// {"products":[{"product":"...","price":1.23}],"total_amount":1.23} on stdout.
type Command struct {
	path    string
	args    []string
	timeout time.Duration
	tempDir string
}

// NewCommand creates a new Command Scanner instance.
// commandLine is split on whitespace; the first field is the program.
func NewCommand(commandLine string, timeout time.Duration) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, fmt.Errorf("ocr command is required")
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	return &Command{
		path:    fields[0],
		args:    fields[1:],
		timeout: timeout,
		tempDir: os.TempDir(),
	}, nil
}

// ScanReceipt writes the image to a temporary file and runs the OCR program on it
func (c *Command) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if needsConversion(imageData, contentType) {
		converted, _, err := prepareImageData(imageData, contentType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
		}
		imageData, contentType = converted, "image/png"
	}

	f, err := os.CreateTemp(c.tempDir, "receipt-*"+extensionFor(contentType))
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(imageData); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	args := append(append([]string(nil), c.args...), f.Name())
	cmd := exec.CommandContext(ctx, c.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children of the program may keep the output pipes open after it is killed
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	slog.Debug("OCR command finished",
		"command", c.path,
		"duration_ms", time.Since(start).Milliseconds(),
		"stdout_bytes", stdout.Len(),
	)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, c.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: exit code %d: %s", ErrUpstreamFailure, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: running %s: %v", ErrUpstreamFailure, c.path, err)
	}

	data, err := parseReceiptJSON(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("%w: parsing receipt data: %v", ErrUpstreamFailure, err)
	}

	return data, nil
}

// Close is a no-op; every scan starts its own process
func (c *Command) Close() error {
	return nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "application/pdf":
		return ".pdf"
	case "image/heic":
		return ".heic"
	case "image/heif":
		return ".heif"
	default:
		return ""
	}
}
