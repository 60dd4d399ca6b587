package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

type filesPackage struct {
	key FilesKey
}

func (p filesPackage) Key() Key { return p.key }

func (p filesPackage) Install(ctx context.Context, m *Manager, dir string) (*Local, error) {
	if err := DownloadFiles(ctx, m.client, p.key.Files, dir); err != nil {
		return nil, err
	}
	return newLocal(m, p.key, dir), nil
}

func (p filesPackage) Load(m *Manager, dir string) (*Local, error) {
	for _, f := range p.key.Files {
		if _, err := os.Stat(filepath.Join(dir, f.Name)); err != nil {
			return nil, fmt.Errorf("load files package: %w", err)
		}
	}
	return newLocal(m, p.key, dir), nil
}

// DownloadFiles fetches every source into dir under its file name.
func DownloadFiles(ctx context.Context, client *http.Client, files []FileSource, dir string) error {
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}
	out := osfs.New(dir)
	for _, f := range files {
		if err := validateFileName(f.Name); err != nil {
			return err
		}
		if err := downloadFile(ctx, client, f.URL, out, f.Name); err != nil {
			return fmt.Errorf("download %s: %w", f.Name, err)
		}
		slog.Debug("file downloaded", "component", "package-manager", "url", f.URL, "name", f.Name)
	}
	return nil
}

func downloadFile(ctx context.Context, client *http.Client, src string, dst billy.Filesystem, name string) error {
	resp, err := get(ctx, client, src)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return writeFile(resp.Body, dst, name, 0o644)
}

func get(ctx context.Context, client *http.Client, src string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w: %v", src, errdefs.ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %w", src, errdefs.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s: %w", src, resp.Status, errdefs.ErrUnavailable)
	}
	return resp, nil
}

// Manifest lists the files making up a provided package.
type Manifest struct {
	Files []FileSource `json:"files"`
}

// HTTPDownloadService serves provided packages from a package server laid
// out as <BaseURL>/packages/<identifier>/manifest.json. Relative file URLs in
// a manifest are resolved against the manifest's own URL.
type HTTPDownloadService struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPDownloadService) DownloadPackage(ctx context.Context, m *Manager, key Key, target string) error {
	client := s.Client
	if client == nil && m != nil {
		client = m.client
	}
	if client == nil {
		client = http.DefaultClient
	}

	manifestURL, err := url.Parse(strings.TrimRight(s.BaseURL, "/") + "/packages/" + url.PathEscape(key.Identifier()) + "/manifest.json")
	if err != nil {
		return fmt.Errorf("parse manifest url: %w: %v", errdefs.ErrInvalidArgument, err)
	}
	resp, err := get(ctx, client, manifestURL.String())
	if err != nil {
		return fmt.Errorf("fetch manifest for %s: %w", key.Identifier(), err)
	}
	defer resp.Body.Close()

	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return fmt.Errorf("decode manifest for %s: %w", key.Identifier(), err)
	}
	files := make([]FileSource, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		ref, err := url.Parse(f.URL)
		if err != nil {
			return fmt.Errorf("parse url for %s: %w: %v", f.Name, errdefs.ErrInvalidArgument, err)
		}
		files = append(files, FileSource{URL: manifestURL.ResolveReference(ref).String(), Name: f.Name})
	}
	return DownloadFiles(ctx, client, files, target)
}
