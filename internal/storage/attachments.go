// Package storage persists request attachments and rendered approval
// documents on an abstract file service, so the backing store can be a
// local directory in development and an object store in production.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// Attachments stores files keyed by request id.
type Attachments struct {
	BaseURL string
	FS      afs.Service
	Now     func() time.Time
}

// New returns an attachment store rooted at baseURL, e.g.
// "file:///var/lib/formflow" or a workspace-relative directory.
func New(baseURL string) *Attachments {
	return &Attachments{BaseURL: baseURL, FS: afs.New()}
}

func (a *Attachments) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Save writes one attachment and returns its storage key. Names are
// sanitized and prefixed with a timestamp so repeated uploads of the
// same file never collide.
func (a *Attachments) Save(ctx context.Context, requestID, name string, data []byte) (string, error) {
	if requestID == "" {
		return "", fmt.Errorf("storage: request id is required")
	}
	clean := sanitize(name)
	if clean == "" {
		return "", fmt.Errorf("storage: attachment name is required")
	}
	key := path.Join("attachments", requestID, fmt.Sprintf("%d_%s", a.now().UTC().UnixNano(), clean))
	dest := a.url(key)
	if err := a.FS.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return key, nil
}

// SaveDocument writes a rendered approval document for a request and
// returns its storage key.
func (a *Attachments) SaveDocument(ctx context.Context, requestID, referenceNo, content string) (string, error) {
	if requestID == "" {
		return "", fmt.Errorf("storage: request id is required")
	}
	key := path.Join("documents", requestID, sanitize(referenceNo)+".txt")
	if err := a.FS.Upload(ctx, a.url(key), file.DefaultFileOsMode, strings.NewReader(content)); err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return key, nil
}

// Load reads a stored file back by key.
func (a *Attachments) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := a.FS.DownloadWithURL(ctx, a.url(key))
	if err != nil {
		return nil, fmt.Errorf("storage: download %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether a key is present in the store.
func (a *Attachments) Exists(ctx context.Context, key string) (bool, error) {
	return a.FS.Exists(ctx, a.url(key))
}

func (a *Attachments) url(key string) string {
	base := strings.TrimRight(a.BaseURL, "/")
	if base == "" {
		base = "."
	}
	return base + "/" + key
}

// sanitize keeps the base name and replaces anything outside a safe
// character set.
func sanitize(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}
