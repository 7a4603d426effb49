package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ManifestSuffix marks the sidecar written next to a queued upload.
const ManifestSuffix = ".meta.json"

// FileManifest carries the scope a queued file is ingested under.
type FileManifest struct {
	// Name is the file name the client uploaded, used for the title and id.
	Name     string   `json:"name" validate:"required"`
	OrgID    string   `json:"org_id" validate:"required"`
	UserID   string   `json:"user_id,omitempty"`
	Title    string   `json:"title,omitempty"`
	FolderID string   `json:"folder_id,omitempty" validate:"omitempty,uuid"`
	Tags     []string `json:"tags,omitempty" validate:"dive,required"`
}

func (m *FileManifest) Validate() map[string]string {
	return validateStruct(m)
}

func (m *FileManifest) Folder() uuid.NullUUID {
	if id, err := uuid.Parse(m.FolderID); err == nil {
		return uuid.NullUUID{UUID: id, Valid: true}
	}
	return uuid.NullUUID{}
}

// ManifestPath returns where the manifest of the file at path lives.
func ManifestPath(path string) string {
	return path + ManifestSuffix
}

func WriteManifest(path string, m FileManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(ManifestPath(path), data, 0o644)
}

// ReadManifest loads the manifest of the file at path. ok is false when the
// file has none.
func ReadManifest(path string) (m FileManifest, ok bool, err error) {
	data, err := os.ReadFile(ManifestPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return m, false, nil
	}
	if err != nil {
		return m, false, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false, fmt.Errorf("%w: manifest of %s: %v", ErrMalformedInput, filepath.Base(path), err)
	}
	return m, true, nil
}

// FileDocumentID is stable for an organisation and file name, so dropping a
// new version of a file replaces the document built from the previous one
// without touching another organisation's copy.
func FileDocumentID(orgID, name string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceURL, []byte("file://"+orgID+"/"+filepath.Base(name)))
}
