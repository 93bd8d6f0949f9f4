package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data       []byte
	sha256     string
	uploadedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func memKey(name, versionKey string) string {
	return name + "\x00" + versionKey
}

func (s *MemoryStore) Put(ctx context.Context, name, versionKey string, r io.Reader) (Ref, error) {
	data, sum, err := HashReader(r)
	if err != nil {
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "hash artifact")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(name, versionKey)
	if existing, ok := s.objects[key]; ok {
		if existing.sha256 == sum {
			return Ref{Name: name, VersionKey: versionKey, SHA256: sum}, nil
		}
		return Ref{}, core.NewDomain("artifact", core.ErrCodeArtifactConflict,
			fmt.Sprintf("artifact %s@%s exists with different content", name, versionKey))
	}

	s.objects[key] = memObject{data: data, sha256: sum, uploadedAt: time.Now()}
	return Ref{Name: name, VersionKey: versionKey, SHA256: sum}, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[memKey(ref.Name, ref.VersionKey)]
	if !ok || !HashMatches(obj.sha256, ref.SHA256) {
		return nil, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s not found", ref))
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Stat(ctx context.Context, name, versionKey string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[memKey(name, versionKey)]
	if !ok {
		return Info{}, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s@%s not found", name, versionKey))
	}
	return Info{
		Ref:        Ref{Name: name, VersionKey: versionKey, SHA256: obj.sha256},
		SizeBytes:  int64(len(obj.data)),
		UploadedAt: obj.uploadedAt,
	}, nil
}

var _ Store = (*MemoryStore)(nil)
