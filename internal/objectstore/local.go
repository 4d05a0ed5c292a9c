package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrInvalidKey      = errors.New("invalid blob key")
	ErrBlobTooLarge    = errors.New("blob exceeds upload limit")
	ErrAlreadyUploaded = errors.New("blob already uploaded")
)

// TokenIssuer signs upload tokens for a blob.
type TokenIssuer interface {
	Issue(blobID string, ttl time.Duration) (string, error)
}

// LocalStore keeps blobs as files in a directory. Upload slots point at the
// service's own upload endpoint and carry a signed token.
type LocalStore struct {
	dir       string
	publicURL string
	tokens    TokenIssuer
	maxBytes  int64
}

// NewLocalStore creates dir if needed and returns a store rooted at it.
func NewLocalStore(dir, publicURL string, tokens TokenIssuer, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalStore{
		dir:       dir,
		publicURL: strings.TrimRight(publicURL, "/"),
		tokens:    tokens,
		maxBytes:  maxBytes,
	}, nil
}

// GenerateUploadSlot returns an upload url for key valid for ttl.
func (s *LocalStore) GenerateUploadSlot(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	token, err := s.tokens.Issue(key, ttl)
	if err != nil {
		return "", fmt.Errorf("issue upload token: %w", err)
	}
	return s.publicURL + "/v1/uploads/" + url.PathEscape(key) + "?token=" + url.QueryEscape(token), nil
}

// Exists reports whether key was uploaded.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Open streams the blob stored under key.
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return f, err
}

// Put stores body under key. A blob is written once; the file only appears
// after the whole body was received.
func (s *LocalStore) Put(ctx context.Context, key string, body io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return ErrAlreadyUploaded
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	reader := body
	if s.maxBytes > 0 {
		reader = io.LimitReader(body, s.maxBytes+1)
	}
	written, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if s.maxBytes > 0 && written > s.maxBytes {
		return ErrBlobTooLarge
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *LocalStore) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.dir, key), nil
}
