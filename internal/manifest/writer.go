package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
)

// writeJSONAtomic marshals doc and replaces dir/name via temp-file-then-rename
// so a concurrent reader never sees a truncated manifest.
func writeJSONAtomic(dir, name string, doc any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create manifest directory").
			WithContext("dir", dir).Build()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "marshal manifest").
			WithContext("manifest", name).Build()
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create manifest temp file").
			WithContext("manifest", name).Build()
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write manifest temp file").
			WithContext("manifest", name).Build()
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "chmod manifest temp file").
			WithContext("manifest", name).Build()
	}
	if err := tmp.Close(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "close manifest temp file").
			WithContext("manifest", name).Build()
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "replace manifest").
			WithContext("manifest", name).Build()
	}
	return nil
}
