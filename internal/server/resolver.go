// ABOUTME: External URL resolver collaborator
// ABOUTME: Turns webpage links into direct media URLs via yt-dlp
package server

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// Resolver turns a webpage link into a direct media URL. Failures are
// non-fatal: callers fall back to the original URL.
type Resolver interface {
	Resolve(ctx context.Context, trackURL string) (string, error)
}

// resolvableHosts are services whose page links need resolving before
// a client can stream them.
var resolvableHosts = []string{
	"youtube.com",
	"youtu.be",
	"soundcloud.com",
	"vimeo.com",
}

// NeedsResolving applies the host-name heuristic for webpage links.
func NeedsResolving(trackURL string) bool {
	u, err := url.Parse(trackURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, known := range resolvableHosts {
		if host == known || strings.HasSuffix(host, "."+known) {
			return true
		}
	}
	return false
}

// YTDLPResolver shells out to yt-dlp for the best audio URL.
type YTDLPResolver struct {
	// Path to the yt-dlp executable; "yt-dlp" from PATH if empty.
	Path string
	// Timeout per resolution; 30s if zero.
	Timeout time.Duration
}

func (r *YTDLPResolver) Resolve(ctx context.Context, trackURL string) (string, error) {
	bin := r.Path
	if bin == "" {
		bin = "yt-dlp"
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "-g", "--format", "bestaudio", trackURL).Output()
	if err != nil {
		return "", fmt.Errorf("yt-dlp failed: %w", err)
	}

	// yt-dlp may print several URLs; only the first is the audio stream.
	resolved := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if resolved == "" {
		return "", fmt.Errorf("yt-dlp returned empty URL for %s", trackURL)
	}
	return resolved, nil
}
