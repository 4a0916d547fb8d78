package connector

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// LocalConnector treats uri as a path relative to Root. It exists for local
// deployments and tests that have no S3/GCS/Drive credentials available;
// ListChanges walks the directory tree comparing mtimes against a cursor
// timestamp rather than polling a cloud change-notification API.
type LocalConnector struct {
	Root     string
	MaxBytes int64
}

func NewLocalConnector(root string, maxBytes int64) *LocalConnector {
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	return &LocalConnector{Root: root, MaxBytes: maxBytes}
}

func (c *LocalConnector) resolve(uri string) string {
	return filepath.Join(c.Root, filepath.Clean("/"+uri))
}

func (c *LocalConnector) Stat(_ context.Context, uri string) (StatResult, error) {
	info, err := os.Stat(c.resolve(uri))
	if os.IsNotExist(err) {
		return StatResult{Exists: false}, nil
	}
	if err != nil {
		return StatResult{}, fmt.Errorf("stat %q: %w", uri, err)
	}
	return StatResult{
		Exists:     true,
		ETag:       fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano()),
		ModifiedAt: info.ModTime(),
		Size:       info.Size(),
	}, nil
}

func (c *LocalConnector) FetchText(_ context.Context, uri string) (FetchResult, error) {
	path := c.resolve(uri)
	f, err := os.Open(path)
	if err != nil {
		return FetchResult{}, fmt.Errorf("open %q: %w", uri, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, c.MaxBytes+1))
	if err != nil {
		return FetchResult{}, fmt.Errorf("read %q: %w", uri, err)
	}
	if int64(len(data)) > c.MaxBytes {
		return FetchResult{}, fmt.Errorf("%q exceeds max fetch size of %d bytes", uri, c.MaxBytes)
	}

	mtype := mimetype.Detect(data)
	text := extractText(mtype.String(), data)

	return FetchResult{
		Text:  text,
		Title: filepath.Base(path),
		Metadata: map[string]interface{}{
			"content_type": mtype.String(),
			"source_path":  uri,
		},
	}, nil
}

// extractText handles the text/plain and text/html cases directly; binary
// formats (PDF, DOCX) are out of scope without a dedicated extraction
// library in the corpus and are passed through as their raw decoded text
// when the mime type is textual, else returned empty.
func extractText(contentType string, data []byte) string {
	if strings.HasPrefix(contentType, "text/") {
		return string(data)
	}
	return ""
}

func (c *LocalConnector) ListChanges(_ context.Context, cursor string) ([]ChangeItem, string, error) {
	var since time.Time
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339, cursor); err == nil {
			since = t
		}
	}

	var items []ChangeItem
	var latest time.Time
	err := filepath.Walk(c.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().After(since) {
			rel, _ := filepath.Rel(c.Root, path)
			items = append(items, ChangeItem{
				URI:        rel,
				Operation:  OpUpsert,
				ETag:       fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano()),
				ModifiedAt: info.ModTime(),
			})
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, cursor, fmt.Errorf("walk %q: %w", c.Root, err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ModifiedAt.Before(items[j].ModifiedAt) })

	nextCursor := cursor
	if !latest.IsZero() {
		nextCursor = latest.Format(time.RFC3339)
	}
	return items, nextCursor, nil
}
