package deps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ByteProgress reports bytes received so far against the expected total
// (-1 when the server does not say).
type ByteProgress func(downloaded, total int64)

const downloadBufferSize = 32 * 1024

// DownloadFile fetches url into destPath. A partial file left by an earlier
// attempt is resumed with a Range request when the server supports it.
func DownloadFile(ctx context.Context, client *http.Client, destPath, url string, progress ByteProgress) error {
	if client == nil {
		client = http.DefaultClient
	}
	var existing int64
	if st, err := os.Stat(destPath); err == nil {
		existing = st.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		existing = 0
		flags |= os.O_TRUNC
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	default:
		return fmt.Errorf("get %s: bad status %s", url, resp.Status)
	}

	total := resp.ContentLength
	if total > 0 {
		total += existing
	}

	out, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", destPath, err)
	}
	defer out.Close()

	done := existing
	buf := make([]byte, downloadBufferSize)
	last := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", destPath, werr)
			}
			done += int64(n)
			if progress != nil && time.Since(last) >= 250*time.Millisecond {
				progress(done, total)
				last = time.Now()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read body: %w", rerr)
		}
	}
	if progress != nil {
		progress(done, total)
	}
	return nil
}

// FormatBytes renders n as a short human-readable size.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
