// Package keys derives and validates object keys. Server and client both
// call Derive so they always agree on where a file lands.
package keys

import (
	"strings"
	"unicode"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
)

const (
	PersonalPrefix = "users"
	SharedPrefix   = "shared"
	// TempPrefix holds objects that are still being assembled by the gateway.
	TempPrefix = "tmp"

	MaxKeyLen = 1024
)

// Scope returns the key prefix owned by folder, without a trailing slash.
func Scope(folder entity.Folder, ownerID string) string {
	if folder == entity.FolderShared {
		return SharedPrefix
	}
	return PersonalPrefix + "/" + ownerID
}

// Derive returns the canonical object key of fileName uploaded into folder.
func Derive(folder entity.Folder, ownerID, subPath, fileName string) (string, error) {
	if !folder.Valid() {
		return "", apperr.Validation("invalid folder %q", folder)
	}
	if folder == entity.FolderPersonal {
		if err := validateSegment(ownerID); err != nil {
			return "", apperr.Validation("invalid owner id: %v", err)
		}
	}
	if err := validateSegment(fileName); err != nil {
		return "", apperr.Validation("invalid file name: %v", err)
	}

	segments := []string{Scope(folder, ownerID)}
	for _, seg := range strings.Split(strings.Trim(subPath, "/"), "/") {
		if seg == "" {
			continue
		}
		if err := validateSegment(seg); err != nil {
			return "", apperr.Validation("invalid sub path: %v", err)
		}
		segments = append(segments, seg)
	}
	segments = append(segments, fileName)

	key := strings.Join(segments, "/")
	if len(key) > MaxKeyLen {
		return "", apperr.Validation("object key exceeds %d bytes", MaxKeyLen)
	}
	return key, nil
}

// Validate checks that key is a canonical key produced by Derive.
func Validate(key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return apperr.Validation("object key must be 1-%d bytes", MaxKeyLen)
	}
	segments := strings.Split(key, "/")
	for _, seg := range segments {
		if err := validateSegment(seg); err != nil {
			return apperr.Validation("invalid object key %q: %v", key, err)
		}
	}
	switch segments[0] {
	case PersonalPrefix:
		if len(segments) < 3 {
			return apperr.Validation("personal key %q needs an owner and a file name", key)
		}
	case SharedPrefix:
		if len(segments) < 2 {
			return apperr.Validation("shared key %q needs a file name", key)
		}
	default:
		return apperr.Validation("object key %q is outside any folder", key)
	}
	return nil
}

// Folder returns the folder and owner a valid key belongs to. The owner is
// empty for shared keys.
func Folder(key string) (entity.Folder, string) {
	segments := strings.SplitN(key, "/", 3)
	if segments[0] == PersonalPrefix && len(segments) == 3 {
		return entity.FolderPersonal, segments[1]
	}
	return entity.FolderShared, ""
}

func validateSegment(s string) error {
	switch {
	case s == "":
		return errEmpty
	case s == "." || s == "..":
		return errDots
	case len(s) > 255:
		return errTooLong
	}
	for _, r := range s {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return errForbiddenChar
		}
	}
	return nil
}

type segmentError string

func (e segmentError) Error() string { return string(e) }

const (
	errEmpty         segmentError = "empty path segment"
	errDots          segmentError = "relative path segment"
	errTooLong       segmentError = "path segment longer than 255 bytes"
	errForbiddenChar segmentError = "path segment contains a forbidden character"
)
