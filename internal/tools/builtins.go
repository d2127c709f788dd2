package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/famulus-ai/famulus/pkg/models"
)

const (
	// maxFetchBytes bounds a fetched response body.
	maxFetchBytes = 512 * 1024

	// maxFileBytes bounds a read file.
	maxFileBytes = 256 * 1024
)

// RegisterBuiltins installs the core and fs plugins. allowInternal
// relaxes the fetch SSRF guard for tests.
func RegisterBuiltins(r *Registry, allowInternal bool) error {
	builtins := []*Tool{
		{
			Def: models.ToolDefinition{
				Name:        "clock_now",
				Plugin:      "core",
				Description: "Return the current date and time, including the UTC offset.",
			},
			Handler: clockNow,
		},
		{
			Def: models.ToolDefinition{
				Name:        "web_fetch",
				Plugin:      "core",
				Description: "Fetch a public http(s) URL and return its body as text.",
				Params: []models.ToolParam{
					{Name: "url", Type: "string", Description: "The URL to fetch.", Required: true},
				},
			},
			Handler: webFetchHandler(allowInternal),
			Timeout: 15 * time.Second,
		},
		{
			Def: models.ToolDefinition{
				Name:        "read_file",
				Plugin:      "fs",
				Description: "Read a text file from an allowed directory.",
				Params: []models.ToolParam{
					{Name: "path", Type: "string", Description: "Path of the file to read.", Required: true, IsPath: true},
				},
			},
			Handler: readFile,
		},
		{
			Def: models.ToolDefinition{
				Name:        "list_dir",
				Plugin:      "fs",
				Description: "List the entries of a directory in an allowed location.",
				Params: []models.ToolParam{
					{Name: "path", Type: "string", Description: "Path of the directory to list.", Required: true, IsPath: true},
				},
			},
			Handler: listDir,
		},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func clockNow(context.Context, map[string]any) (string, error) {
	now := time.Now()
	return now.Format("Monday, 2 January 2006 15:04:05 MST (UTC-07:00)"), nil
}

func webFetchHandler(allowInternal bool) Handler {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(ctx context.Context, params map[string]any) (string, error) {
		target, _ := params["url"].(string)
		if target == "" {
			return "", fmt.Errorf("url is required")
		}
		if !allowInternal {
			if err := validateFetchURL(target); err != nil {
				return "", err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", fmt.Errorf("invalid URL: %w", err)
		}
		req.Header.Set("User-Agent", "famulus/1.0")
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("fetch failed: HTTP %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		return string(body), nil
	}
}

// validateFetchURL rejects URLs that resolve to private or reserved
// addresses so the model cannot probe the local network.
func validateFetchURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still resolve behind a proxy.
		return nil
	}
	for _, ip := range ips {
		if isPrivateOrReservedIP(ip) {
			return fmt.Errorf("URL resolves to a private or reserved address")
		}
	}
	return nil
}

func isPrivateOrReservedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

func readFile(_ context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxFileBytes {
		return "", fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func listDir(_ context.Context, params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += string(filepath.Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}
