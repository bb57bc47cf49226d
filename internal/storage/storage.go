// Package storage persists rendered thumbnails. Artifacts are
// content-addressed: the locator is derived from a SHA-256 of the bytes, so
// storing the same image twice, or retrying a store, yields one object and
// one locator.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const keyPrefix = "thumbnails/"

// Gateway stores artifacts and resolves their locators to fetchable URLs.
type Gateway interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	Retrieve(ctx context.Context, locator string) (string, error)
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Locator returns the content-derived key for data. ok is false for content
// types that are not stored.
func Locator(data []byte, contentType string) (string, bool) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	ext, ok := extensions[strings.ToLower(strings.TrimSpace(mediaType))]
	if !ok {
		return "", false
	}
	sum := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(sum[:]) + ext, true
}
