package fetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

func (f *Fetcher) fetchLocal(ctx context.Context, target crawler.FetchTarget) crawler.FetchResult {
	result := crawler.FetchResult{Target: target, Attempts: 1}
	if err := ctx.Err(); err != nil {
		result.Err = canceled(target, 0, err)
		return result
	}
	path, err := localPath(target.URI)
	if err != nil {
		result.Err = &crawler.FetchError{Kind: crawler.FailureIO, URL: target.URI, Err: err}
		return result
	}
	info, err := os.Stat(path)
	if err != nil {
		result.Err = &crawler.FetchError{Kind: crawler.FailureIO, URL: target.URI, Err: fmt.Errorf("stat file: %w", err)}
		return result
	}
	if info.IsDir() {
		result.Err = &crawler.FetchError{Kind: crawler.FailureIO, URL: target.URI, Err: fmt.Errorf("%s is a directory", path)}
		return result
	}
	if f.cfg.MaxBytes > 0 && info.Size() > f.cfg.MaxBytes {
		result.Err = &crawler.FetchError{
			Kind: crawler.FailureSizeExceeded,
			URL:  target.URI,
			Err:  fmt.Errorf("file size %d: %w", info.Size(), crawler.ErrSizeExceeded),
		}
		return result
	}

	file, err := os.Open(path) // #nosec G304 -- watchlist paths are operator configured.
	if err != nil {
		result.Err = &crawler.FetchError{Kind: crawler.FailureIO, URL: target.URI, Err: fmt.Errorf("open file: %w", err)}
		return result
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			f.logger.Debug("Failed to close local file", zap.String("path", path), zap.Error(cerr))
		}
	}()
	data, err := readCapped(file, f.cfg.MaxBytes)
	if err != nil {
		kind := crawler.FailureIO
		if errors.Is(err, crawler.ErrSizeExceeded) {
			kind = crawler.FailureSizeExceeded
		}
		result.Err = &crawler.FetchError{Kind: kind, URL: target.URI, Err: err}
		return result
	}

	result.Document = crawler.RawDocument{
		Target:      target,
		FinalURL:    path,
		Content:     data,
		FetchedAt:   f.clock.Now(),
		ContentType: detectContentType(path, data),
	}
	return result
}

func localPath(uri string) (string, error) {
	if strings.HasPrefix(uri, "file://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("parse file uri: %w", err)
		}
		return filepath.FromSlash(parsed.Path), nil
	}
	if strings.TrimSpace(uri) == "" {
		return "", errors.New("local path is empty")
	}
	return filepath.Clean(uri), nil
}

func detectContentType(path string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}
