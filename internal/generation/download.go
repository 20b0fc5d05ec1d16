package generation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"cartoon/internal/domain"
)

// DefaultFilename is used when a result URL has no usable last path segment.
const DefaultFilename = "cartoon-image.png"

const msgSaveFailed = "Saving the image failed. Please try again."

// ResultStore persists downloaded images.
type ResultStore interface {
	WriteStream(ctx context.Context, key string, r io.Reader) (string, error)
}

// Downloader fetches result images into a ResultStore. Only one download runs
// at a time; overlapping calls fail with ErrBusy.
type Downloader struct {
	client *http.Client
	store  ResultStore
	busy   atomic.Bool
}

func NewDownloader(client *http.Client, store ResultStore) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{client: client, store: store}
}

// Busy reports whether a download is in progress.
func (d *Downloader) Busy() bool {
	return d.busy.Load()
}

// Save downloads ref and stores it under prefix joined with the name derived
// from its URL. Only absolute http and https links are fetched.
func (d *Downloader) Save(ctx context.Context, ref, prefix string) (string, error) {
	if err := checkRemoteRef(ref); err != nil {
		return "", err
	}
	if !d.busy.CompareAndSwap(false, true) {
		return "", domain.ErrBusy
	}
	defer d.busy.Store(false)

	if d.store == nil {
		return "", domain.NewError(domain.ErrDownloadFailed, "no download location is configured", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", domain.NewError(domain.ErrDownloadFailed, msgSaveFailed, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		msg := fmt.Sprintf("Could not fetch %s. The image host may be unreachable or refusing cross-origin requests.", ref)
		return "", domain.NewError(domain.ErrDownloadFailed, msg, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", domain.NewError(domain.ErrDownloadFailed, msgSaveFailed, fmt.Errorf("http %d", resp.StatusCode))
	}

	key, err := d.store.WriteStream(ctx, path.Join(prefix, FilenameFromURL(ref)), resp.Body)
	if err != nil {
		return "", domain.NewError(domain.ErrDownloadFailed, msgSaveFailed, err)
	}
	return key, nil
}

func checkRemoteRef(ref string) error {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.NewError(domain.ErrValidation, "only http and https image links can be saved", err)
	}
	return nil
}

// ResultKey is the storage prefix for a result of googleID's task. Each part
// is reduced to a single safe path segment.
func ResultKey(googleID, taskID string) string {
	return path.Join(keySegment(googleID, "anonymous"), keySegment(taskID, "untracked"))
}

func keySegment(s, fallback string) string {
	seg := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			return r
		}
		return '_'
	}, strings.TrimSpace(s))
	if strings.Trim(seg, ".") == "" {
		return fallback
	}
	return seg
}

// FilenameFromURL returns the last path segment of ref, or DefaultFilename.
func FilenameFromURL(ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return DefaultFilename
	}
	name := path.Base(u.Path)
	switch name {
	case "", ".", "/":
		return DefaultFilename
	}
	return name
}
