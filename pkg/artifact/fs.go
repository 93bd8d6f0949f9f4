package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

// FSStore stores artifacts on the local filesystem, one directory per
// name/versionKey pair holding the blob and a small metadata sidecar.
// Intended for local development and single-host setups.
type FSStore struct {
	root string
}

type fsMeta struct {
	SHA256     string    `json:"sha256"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) dir(name, versionKey string) string {
	return filepath.Join(s.root, name, versionKey)
}

func (s *FSStore) Put(ctx context.Context, name, versionKey string, r io.Reader) (Ref, error) {
	data, sum, err := HashReader(r)
	if err != nil {
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "hash artifact")
	}

	dir := s.dir(name, versionKey)
	metaPath := filepath.Join(dir, "meta.json")

	if raw, err := os.ReadFile(metaPath); err == nil {
		var meta fsMeta
		if err := json.Unmarshal(raw, &meta); err == nil {
			if meta.SHA256 == sum {
				return Ref{Name: name, VersionKey: versionKey, SHA256: sum}, nil
			}
			return Ref{}, core.NewDomain("artifact", core.ErrCodeArtifactConflict,
				fmt.Sprintf("artifact %s@%s exists with different content", name, versionKey))
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "create artifact dir")
	}

	// Write blob then metadata; the sidecar is the commit record, so a
	// crash between the writes leaves a retryable partial, not a conflict.
	if err := os.WriteFile(filepath.Join(dir, "blob"), data, 0o644); err != nil {
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "write artifact blob")
	}
	meta := fsMeta{SHA256: sum, SizeBytes: int64(len(data)), UploadedAt: time.Now()}
	raw, _ := json.Marshal(meta)
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "write artifact metadata")
	}

	return Ref{Name: name, VersionKey: versionKey, SHA256: sum}, nil
}

func (s *FSStore) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	meta, err := s.readMeta(ref.Name, ref.VersionKey)
	if err != nil {
		return nil, err
	}
	if !HashMatches(meta.SHA256, ref.SHA256) {
		return nil, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s not found", ref))
	}

	f, err := os.Open(filepath.Join(s.dir(ref.Name, ref.VersionKey), "blob"))
	if err != nil {
		return nil, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s not found", ref))
	}
	return f, nil
}

func (s *FSStore) Stat(ctx context.Context, name, versionKey string) (Info, error) {
	meta, err := s.readMeta(name, versionKey)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Ref:        Ref{Name: name, VersionKey: versionKey, SHA256: meta.SHA256},
		SizeBytes:  meta.SizeBytes,
		UploadedAt: meta.UploadedAt,
	}, nil
}

func (s *FSStore) readMeta(name, versionKey string) (fsMeta, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir(name, versionKey), "meta.json"))
	if err != nil {
		return fsMeta{}, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s@%s not found", name, versionKey))
	}
	var meta fsMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fsMeta{}, core.Wrap(err, core.ErrCodeInternal, "decode artifact metadata")
	}
	return meta, nil
}

var _ Store = (*FSStore)(nil)
