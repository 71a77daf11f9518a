// Package downloader fetches job artifacts to a local path, picking a
// backend by URL scheme/host and extracting zip bundles when present.
package downloader

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/botqio/hostagent/internal/model"
)

// ErrHostNotAllowed matches the original agent's "downloading arbitrary
// urls is disabled" behavior: only a small set of known artifact hosts (or
// the cloud backends below) are ever fetched from.
var ErrHostNotAllowed = errors.New("downloader: host not allowed")

var allowedHTTPHosts = map[string]bool{
	"storage.googleapis.com": true,
}

// Backend fetches a URL to a local file and returns its path.
type Backend interface {
	Fetch(ctx context.Context, rawURL string, destDir string) (string, error)
}

// Downloader creates a per-job destination directory under the base
// directory it was built with, purges stale job directories from previous
// runs, and delegates to a Backend chosen by URL scheme.
type Downloader struct {
	baseDir       string
	schemeBackend map[string]Backend
	defaultBackend Backend
	startedAt     time.Time
}

// New builds a Downloader. schemeBackend keys are URL schemes ("s3",
// "azblob", "https"); a nil map falls back to a default HTTP backend only,
// which remains the fallback for any scheme not present in the map.
func New(baseDir string, schemeBackend map[string]Backend) *Downloader {
	d := &Downloader{
		baseDir:        baseDir,
		schemeBackend:  schemeBackend,
		defaultBackend: &httpBackend{client: &http.Client{Timeout: 5 * time.Minute}},
		startedAt:      time.Now(),
	}
	d.purgeStaleJobs()
	return d
}

// Download fetches file's (or fileURL's) artifact and, if it's a zip
// bundle, extracts it and returns the path to the .gcode member.
func (d *Downloader) Download(ctx context.Context, file *model.File, fileURL string) (string, error) {
	src := fileURL
	if file != nil && file.DownloadURL != "" {
		src = file.DownloadURL
	}
	if src == "" {
		return "", fmt.Errorf("downloader: job has neither a file nor a file_url")
	}

	u, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("downloader: invalid url %q: %w", src, err)
	}
	if !d.hostAllowed(u) {
		return "", fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Host)
	}

	destDir := filepath.Join(d.baseDir, fmt.Sprintf("job-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}

	backend := d.defaultBackend
	if b, ok := d.schemeBackend[u.Scheme]; ok {
		backend = b
	}
	path, err := backend.Fetch(ctx, src, destDir)
	if err != nil {
		return "", err
	}

	if isZip(path) {
		return extractGcode(path, destDir)
	}
	return path, nil
}

func (d *Downloader) hostAllowed(u *url.URL) bool {
	switch u.Scheme {
	case "s3", "azblob":
		return true
	case "https", "http":
		return allowedHTTPHosts[u.Host]
	}
	return false
}

// purgeStaleJobs best-effort removes job directories left behind by a
// previous run of the agent.
func (d *Downloader) purgeStaleJobs() {
	entries, err := os.ReadDir(d.baseDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "job-") {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(d.startedAt) {
			continue
		}
		os.RemoveAll(filepath.Join(d.baseDir, e.Name()))
	}
}

func isZip(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

func extractGcode(zipPath, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", err
	}
	defer r.Close()

	var gcodePath string
	for _, f := range r.File {
		if !strings.EqualFold(filepath.Ext(f.Name), ".gcode") {
			continue
		}
		out := filepath.Join(destDir, filepath.Base(f.Name))
		if err := extractOne(f, out); err != nil {
			return "", err
		}
		gcodePath = out
		break
	}
	os.Remove(zipPath)
	if gcodePath == "" {
		return "", fmt.Errorf("downloader: no .gcode member found in %s", zipPath)
	}
	return gcodePath, nil
}

func extractOne(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

// httpBackend is the fallback for any URL whose scheme has no entry in
// schemeBackend, matching the original agent's raw-HTTP-GET behavior.
type httpBackend struct {
	client *http.Client
}

func (b *httpBackend) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloader: GET %s: %s", rawURL, resp.Status)
	}
	u, _ := url.Parse(rawURL)
	name := filepath.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "job.download"
	}
	dest := filepath.Join(destDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}
