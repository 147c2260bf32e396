// Package remoteclient implements the HTTP protocol used to resolve a
// batch of package requests against a remote package index: POST JSON to
// find_dependencies, with retry/backoff on transport failures and
// best-effort telemetry callbacks, per spec §4.5.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/future-io/sw/internal/depdata"
	"github.com/future-io/sw/internal/pkgpath"
)

var log = logging.MustGetLogger("remoteclient")

// CurrentAPILevel is the schema version this client speaks. A response is
// accepted iff CurrentAPILevel-1 <= response.API <= CurrentAPILevel.
const CurrentAPILevel = 1

// A Remote is one configured package index.
type Remote struct {
	Name string
	URL  string
}

// initialConnectTimeout and initialReadTimeout are the starting timeouts
// for a find_dependencies call; they're halved on each retry that follows
// a connection-level failure (http_code == 0), per spec §4.5.
const (
	initialConnectTimeout = 5 * time.Second
	initialReadTimeout    = 10 * time.Second
	maxAttempts           = 3
)

// Client resolves dependencies against a remote package index over HTTP.
type Client struct {
	telemetry      *http.Client
	clientCallOnce sync.Once
}

// New creates a Client. The telemetry endpoints (add_downloads,
// add_client_call) go through a retrying client since their failures are
// swallowed anyway and a transient blip shouldn't lose the report.
func New() *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return &Client{telemetry: rc.StandardClient()}
}

// findDependenciesResponse mirrors the wire schema described in spec §4.5.
type findDependenciesResponse struct {
	API      int                            `json:"api"`
	Packages map[string]remotePackageRecord `json:"packages"`
	Error    string                         `json:"error"`
	Info     string                         `json:"info"`
}

type remotePackageRecord struct {
	ID           int64   `json:"id"`
	Version      string  `json:"version"`
	Flags        uint32  `json:"flags"`
	SHA256       string  `json:"sha256"`
	Dependencies []int64 `json:"dependencies"`
}

// FindDependencies resolves req (a package path -> version-range query)
// against remote, returning the flattened id -> DownloadDependency map.
func (c *Client) FindDependencies(ctx context.Context, req map[pkgpath.PackagePath]string, remote Remote) (*depdata.IdDependencies, error) {
	body, err := json.Marshal(buildRequestTree(req))
	if err != nil {
		return nil, fmt.Errorf("remoteclient: encoding request: %w", err)
	}

	url := strings.TrimSuffix(remote.URL, "/") + "/api/find_dependencies"
	connectTimeout, readTimeout := initialConnectTimeout, initialReadTimeout

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, status, reqErr := doOnce(ctx, url, body, connectTimeout, readTimeout)
		if reqErr != nil && status == 0 {
			lastErr = reqErr
			log.Warning("find_dependencies against %s failed (attempt %d/%d): %s", remote.Name, attempt, maxAttempts, reqErr)
			// Connection-level failure: halve both timeouts before retrying.
			connectTimeout /= 2
			readTimeout /= 2
			continue
		}

		var ids *depdata.IdDependencies
		parseErr := reqErr
		if parseErr == nil {
			ids, parseErr = parseResponse(resp, req)
		}
		if parseErr != nil {
			// An HTTP-level or schema error: retry without adjusting timeouts.
			lastErr = parseErr
			log.Warning("find_dependencies against %s returned an error (attempt %d/%d): %s", remote.Name, attempt, maxAttempts, parseErr)
			continue
		}
		return ids, nil
	}
	return nil, fmt.Errorf("remoteclient: %s: %w", remote.Name, lastErr)
}

// doOnce performs one POST. The returned status is 0 when no HTTP response
// was received (a connection-level failure), otherwise the response's code.
func doOnce(ctx context.Context, url string, body []byte, connectTimeout, readTimeout time.Duration) ([]byte, int, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: readTimeout,
		},
		Timeout: connectTimeout + readTimeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// http_code == 0: a transport-level (connection) failure.
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, resp.StatusCode, nil
}

func parseResponse(raw []byte, req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
	var resp findDependenciesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.API < CurrentAPILevel-1 || resp.API > CurrentAPILevel {
		return nil, fmt.Errorf("unsupported api level %d (accept %d-%d)", resp.API, CurrentAPILevel-1, CurrentAPILevel)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote reported an error: %s", resp.Error)
	}
	if resp.Info != "" {
		log.Info("remote: %s", resp.Info)
	}
	if len(req)-len(resp.Packages) > 0 {
		return nil, fmt.Errorf("remote resolved only %d of %d requested packages", len(resp.Packages), len(req))
	}

	ids := depdata.NewIdDependencies()
	for path, rec := range resp.Packages {
		ids.Set(&depdata.DownloadDependency{
			PackageId: pkgpath.PackageId{
				Path:    pkgpath.PackagePath(path),
				Version: pkgpath.ParseVersion(rec.Version),
			},
			SHA256:        rec.SHA256,
			Flags:         pkgpath.FlagsFromRaw(rec.Flags),
			ID:            rec.ID,
			DependencyIDs: rec.Dependencies,
		})
	}
	for _, rec := range ids.Values() {
		if err := depdata.PrepareDependencies(rec, ids); err != nil {
			return nil, fmt.Errorf("remote response: %w", err)
		}
	}
	return ids, nil
}

// buildRequestTree turns a flat path -> version-range map into the nested
// JSON object form the remote expects: dotted paths become nested objects
// keyed by each segment, and the leaf holds {"version": "<range>"}.
func buildRequestTree(req map[pkgpath.PackagePath]string) map[string]interface{} {
	root := map[string]interface{}{}
	for path, version := range req {
		node := root
		segments := path.Segments()
		for i, seg := range segments {
			if i == len(segments)-1 {
				node[seg] = map[string]interface{}{"version": version}
				continue
			}
			child, ok := node[seg].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[seg] = child
			}
			node = child
		}
	}
	return root
}

// DownloadArchive fetches dd's archive from remote into a temp file under
// destDir and returns its path; the caller is responsible for verifying its
// hash and removing it once it's unpacked.
func (c *Client) DownloadArchive(ctx context.Context, remote Remote, dd *depdata.DownloadDependency, destDir string) (string, error) {
	url := fmt.Sprintf("%s/api/download/%d", strings.TrimSuffix(remote.URL, "/"), dd.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.telemetry.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", dd.PackageId, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("downloading %s: http %d", dd.PackageId, resp.StatusCode)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	out, err := os.CreateTemp(destDir, "archive-*")
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("writing %s: %w", dd.PackageId, err)
	}
	return out.Name(), nil
}

// AddDownloads reports the ids actually downloaded this session. Best
// effort: all errors are logged and swallowed.
func (c *Client) AddDownloads(ctx context.Context, ids []int64, remote Remote) {
	if len(ids) == 0 {
		return
	}
	c.postBestEffort(ctx, remote, "/api/add_downloads", map[string]interface{}{"ids": ids})
}

// AddClientCall reports that this process used remote, at most once per
// process lifetime (not once per remote): the first call wins regardless of
// which remote it names, and every later call - against that remote or any
// other - is a no-op.
func (c *Client) AddClientCall(ctx context.Context, remote Remote) {
	c.clientCallOnce.Do(func() {
		c.postBestEffort(ctx, remote, "/api/add_client_call", map[string]interface{}{})
	})
}

func (c *Client) postBestEffort(ctx context.Context, remote Remote, path string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Debug("encoding %s payload: %s", path, err)
		return
	}
	url := strings.TrimSuffix(remote.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Debug("building %s request: %s", path, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.telemetry.Do(req)
	if err != nil {
		log.Debug("%s failed: %s", path, err)
		return
	}
	resp.Body.Close()
}
