package keys

import (
	"errors"
	"strings"
	"testing"

	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/stretchr/testify/assert"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		folder   entity.Folder
		owner    string
		subPath  string
		fileName string
		key      string
		err      error
	}{
		{entity.FolderPersonal, "u1", "", "video.mp4", "users/u1/video.mp4", nil},
		{entity.FolderPersonal, "u1", "/movies/2024/", "video.mp4", "users/u1/movies/2024/video.mp4", nil},
		{entity.FolderPersonal, "u1", "a//b", "x.bin", "users/u1/a/b/x.bin", nil},
		{entity.FolderShared, "u1", "team", "report.pdf", "shared/team/report.pdf", nil},
		{entity.FolderShared, "", "", "report.pdf", "shared/report.pdf", nil},
		{"public", "u1", "", "x", "", apperr.ErrValidation},
		{entity.FolderPersonal, "", "", "x", "", apperr.ErrValidation},
		{entity.FolderPersonal, "u/1", "", "x", "", apperr.ErrValidation},
		{entity.FolderPersonal, "u1", "../u2", "x", "", apperr.ErrValidation},
		{entity.FolderPersonal, "u1", "", "a/b", "", apperr.ErrValidation},
		{entity.FolderPersonal, "u1", "", "..", "", apperr.ErrValidation},
		{entity.FolderPersonal, "u1", "", "bad\x00name", "", apperr.ErrValidation},
		{entity.FolderPersonal, "u1", strings.Repeat("d/", 600), "x", "", apperr.ErrValidation},
	}
	for _, tt := range tests {
		key, err := Derive(tt.folder, tt.owner, tt.subPath, tt.fileName)
		if !errors.Is(err, tt.err) {
			t.Errorf("Derive(%q, %q, %q, %q) error = %v, want %v", tt.folder, tt.owner, tt.subPath, tt.fileName, err, tt.err)
			continue
		}
		if key != tt.key {
			t.Errorf("Derive(%q, %q, %q, %q) = %q, want %q", tt.folder, tt.owner, tt.subPath, tt.fileName, key, tt.key)
		}
	}
}

func TestDerivedKeysValidate(t *testing.T) {
	key, err := Derive(entity.FolderPersonal, "u1", "docs", "a.txt")
	assert.NoError(t, err)
	assert.NoError(t, Validate(key))

	folder, owner := Folder(key)
	assert.Equal(t, entity.FolderPersonal, folder)
	assert.Equal(t, "u1", owner)

	folder, owner = Folder("shared/team/a.txt")
	assert.Equal(t, entity.FolderShared, folder)
	assert.Empty(t, owner)
}

func TestValidate(t *testing.T) {
	for _, key := range []string{"", "/users/u1/a", "users/u1", "users/u1/../a", "tmp/abc", "other/a", "shared"} {
		if err := Validate(key); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Validate(%q) = %v, want validation error", key, err)
		}
	}
}
