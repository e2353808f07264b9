package out

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/multiformats/go-multiaddr"

	subfieldout "subfield/internal/modules/subfield/port/out"
)

const maxBootstrapBody = 1 << 20

// HTTPBootstrapper fetches multiaddr lists. An endpoint answers with a JSON
// array of strings or with one multiaddr per line.
type HTTPBootstrapper struct {
	logger hclog.Logger
	client *http.Client
}

func NewHTTPBootstrapper(logger hclog.Logger, timeout time.Duration) subfieldout.Bootstrapper {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBootstrapper{logger: logger.Named("bootstrap"), client: &http.Client{Timeout: timeout}}
}

// Fetch queries every url and returns the valid multiaddrs in order, without
// duplicates. It fails only when no endpoint could be read.
func (b *HTTPBootstrapper) Fetch(ctx context.Context, urls []string) ([]string, error) {
	var (
		out  []string
		errs []error
		seen = map[string]struct{}{}
		read int
	)
	for _, url := range urls {
		addrs, err := b.fetchOne(ctx, url)
		if err != nil {
			b.logger.Warn("bootstrap endpoint failed", "url", url, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		read++
		for _, addr := range addrs {
			if _, err := multiaddr.NewMultiaddr(addr); err != nil {
				b.logger.Debug("skipping invalid multiaddr", "url", url, "addr", addr, "err", err)
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	if read == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	b.logger.Debug("bootstrap fetched", "endpoints", read, "addrs", len(out))
	return out, nil
}

func (b *HTTPBootstrapper) fetchOne(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBootstrapBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return parseBootstrapBody(body)
}

func parseBootstrapBody(body []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var addrs []string
		if err := json.Unmarshal(trimmed, &addrs); err != nil {
			return nil, fmt.Errorf("decode multiaddr list: %w", err)
		}
		return addrs, nil
	}
	var addrs []string
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	return addrs, scanner.Err()
}
