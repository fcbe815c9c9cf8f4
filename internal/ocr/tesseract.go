package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Tesseract shells out to the tesseract binary for text extraction.
type Tesseract struct {
	Binary    string
	Languages string
	Timeout   time.Duration
}

func (t Tesseract) ExtractText(ctx context.Context, path string) (string, error) {
	bin := t.Binary
	if bin == "" {
		bin = "tesseract"
	}
	langs := t.Languages
	if langs == "" {
		langs = "chi_sim+eng"
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, path, "stdout", "-l", langs)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, errOut.String())
	}
	return out.String(), nil
}
