// Package artifact provides versioned, immutable build artifact storage.
// An artifact is keyed by name plus version key (the commit SHA of the
// producing run); a key can only ever hold one content hash. Re-uploading
// identical content is a no-op, different content is a conflict.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// Ref identifies one stored artifact.
type Ref struct {
	Name       string `json:"name"`
	VersionKey string `json:"version_key"`
	SHA256     string `json:"sha256"`
}

// String renders the ref as name@versionKey:hashprefix.
func (r Ref) String() string {
	h := r.SHA256
	if len(h) > 12 {
		h = h[:12]
	}
	return fmt.Sprintf("%s@%s:%s", r.Name, r.VersionKey, h)
}

// ParseRef parses the String() form back into a Ref. The hash prefix is
// preserved as-is; stores match it against the full stored hash.
func ParseRef(s string) (Ref, error) {
	at := strings.LastIndex(s, "@")
	colon := strings.LastIndex(s, ":")
	if at <= 0 || colon <= at {
		return Ref{}, fmt.Errorf("malformed artifact ref %q", s)
	}
	return Ref{
		Name:       s[:at],
		VersionKey: s[at+1 : colon],
		SHA256:     s[colon+1:],
	}, nil
}

// Info is artifact metadata.
type Info struct {
	Ref        Ref       `json:"ref"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store is the artifact store client contract.
//
// Put is idempotent under identical name+versionKey+content: it returns
// the existing Ref without error. If the key already holds different
// content, Put fails with the artifact-conflict error so a published build
// can never be silently overwritten. Get on a missing ref fails with the
// artifact-not-found error.
type Store interface {
	Put(ctx context.Context, name, versionKey string, r io.Reader) (Ref, error)
	Get(ctx context.Context, ref Ref) (io.ReadCloser, error)
	Stat(ctx context.Context, name, versionKey string) (Info, error)
}

// HashReader drains r computing the content hash and size. Helper shared
// by store implementations that need the digest before storing.
func HashReader(r io.Reader) (data []byte, sum string, err error) {
	data, err = io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact content: %w", err)
	}
	h := sha256.Sum256(data)
	return data, hex.EncodeToString(h[:]), nil
}

// HashMatches reports whether stored matches want, where want may be a
// prefix (refs printed with String() carry a truncated hash).
func HashMatches(stored, want string) bool {
	if want == "" {
		return true
	}
	return strings.HasPrefix(stored, want)
}
