package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// Fetch downloads a registry export from url to dest. The file is written
// to dest+".tmp" and renamed into place, so dest is never half-written.
// Progress is printed to progress when it is non-nil.
func Fetch(ctx context.Context, client *http.Client, url, dest string, progress io.Writer) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("fleet: creating dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("fleet: building request: %w", err)
	}

	slog.Info("[FLEET] Fetching registry export", "url", url, "dest", dest)
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fleet: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fleet: fetch failed: HTTP %d", resp.StatusCode)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("fleet: creating temp file: %w", err)
	}

	var w io.Writer = f
	if progress != nil {
		w = &progressWriter{
			writer: f,
			out:    progress,
			total:  resp.ContentLength,
			label:  filepath.Base(dest),
		}
	}

	written, err := io.Copy(w, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fleet: writing export: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("fleet: moving export: %w", err)
	}

	slog.Debug("[FLEET] Registry export saved", "bytes", written)
	return written, nil
}

// progressWriter wraps an io.Writer and prints download progress to out.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %.1f KB / %.1f KB (%.0f%%)",
			pw.label,
			float64(pw.written)/1024,
			float64(pw.total)/1024,
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.1f KB downloaded",
			pw.label,
			float64(pw.written)/1024)
	}
	return n, err
}
