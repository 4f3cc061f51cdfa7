// Package fetcher retrieves import source files from local paths, HTTP
// and FTP drop locations, and parses CSV/XLSX content into raw rows.
// Interpretation of the rows (column mapping, cleaning) lives in the
// importer package.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote source files.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path.
	// Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Open resolves a source reference to a readable stream: a bare path or
// file:// URL opens locally, http(s):// and ftp:// go through the
// matching fetcher.
func Open(ctx context.Context, source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme (or a Windows drive letter): local path.
		f, err := os.Open(source)
		return f, eris.Wrapf(err, "fetcher: open %s", source)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		f, err := os.Open(u.Path)
		return f, eris.Wrapf(err, "fetcher: open %s", u.Path)
	case "http", "https":
		return NewHTTPFetcher(HTTPOptions{}).Download(ctx, source)
	case "ftp":
		return NewFTPFetcher(FTPOptions{}).Download(ctx, source)
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}
