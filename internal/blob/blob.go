// Package blob stores turn attachments outside the database. Objects are
// addressed by a slash-separated key and referenced by URI once written.
package blob

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidURI = errors.New("invalid blob uri")
)

type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, uri string) ([]byte, error)
	// URI returns the reference a Put of key would produce.
	URI(key string) string
}

var extensionByType = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// CollectionKey builds a unique key scoped to the collection. The extension
// follows the stored bytes' content type, never the client's file name.
func CollectionKey(collectionID uint, contentType string) string {
	return fmt.Sprintf("collections/%d/%s%s", collectionID, uuid.NewString(), extensionFor(contentType))
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := extensionByType[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// MediaKey is the key of a stored attachment named name within a collection.
func MediaKey(collectionID uint, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", ErrInvalidURI
	}
	return fmt.Sprintf("collections/%d/%s", collectionID, name), nil
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", ErrInvalidURI
	}
	cleaned := path.Clean(key)
	if cleaned != key || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", ErrInvalidURI
	}
	return cleaned, nil
}
