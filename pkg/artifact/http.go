package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

// RepoConfig configures the HTTP artifact repository backend
// (Nexus-style raw repository: PUT/GET by path, basic auth).
type RepoConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// RepoStore talks to an HTTP artifact repository. The repository is
// opaque: the client only maps status codes to the store contract.
// Because a plain repository cannot reject overwrites itself, Put reads
// back the current content hash first and refuses to replace it.
type RepoStore struct {
	base     *url.URL
	username string
	password string
	client   *http.Client
}

func NewRepoStore(cfg RepoConfig) (*RepoStore, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse repository URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RepoStore{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (s *RepoStore) objectURL(name, versionKey, file string) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.base, url.PathEscape(name), url.PathEscape(versionKey), file)
}

func (s *RepoStore) do(req *http.Request) (*http.Response, error) {
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}

func (s *RepoStore) Put(ctx context.Context, name, versionKey string, r io.Reader) (Ref, error) {
	data, sum, err := HashReader(r)
	if err != nil {
		return Ref{}, core.Wrap(err, core.ErrCodeStageExecution, "hash artifact")
	}

	existing, err := s.fetchHash(ctx, name, versionKey)
	if err != nil {
		return Ref{}, err
	}
	if existing != "" {
		if existing == sum {
			return Ref{Name: name, VersionKey: versionKey, SHA256: sum}, nil
		}
		return Ref{}, core.NewDomain("artifact", core.ErrCodeArtifactConflict,
			fmt.Sprintf("artifact %s@%s exists with different content", name, versionKey))
	}

	if err := s.put(ctx, s.objectURL(name, versionKey, "blob"), data, "application/octet-stream"); err != nil {
		return Ref{}, err
	}
	// Hash sidecar is written last; it marks the upload committed.
	if err := s.put(ctx, s.objectURL(name, versionKey, "blob.sha256"), []byte(sum), "text/plain"); err != nil {
		return Ref{}, err
	}

	return Ref{Name: name, VersionKey: versionKey, SHA256: sum}, nil
}

func (s *RepoStore) put(ctx context.Context, u string, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return core.Wrap(err, core.ErrCodeStageExecution, "build upload request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.do(req)
	if err != nil {
		return core.Wrap(err, core.ErrCodeStageExecution, "upload artifact")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return core.NewDomain("artifact", core.ErrCodeArtifactConflict,
			fmt.Sprintf("repository rejected upload: %s", resp.Status))
	default:
		return core.NewDomain("artifact", core.ErrCodeStageExecution,
			fmt.Sprintf("repository upload failed: %s", resp.Status))
	}
}

func (s *RepoStore) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	stored, err := s.fetchHash(ctx, ref.Name, ref.VersionKey)
	if err != nil {
		return nil, err
	}
	if stored == "" || !HashMatches(stored, ref.SHA256) {
		return nil, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s not found", ref))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(ref.Name, ref.VersionKey, "blob"), nil)
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeStageExecution, "build download request")
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeStageExecution, "download artifact")
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s not found", ref))
	default:
		resp.Body.Close()
		return nil, core.NewDomain("artifact", core.ErrCodeStageExecution,
			fmt.Sprintf("repository download failed: %s", resp.Status))
	}
}

func (s *RepoStore) Stat(ctx context.Context, name, versionKey string) (Info, error) {
	stored, err := s.fetchHash(ctx, name, versionKey)
	if err != nil {
		return Info{}, err
	}
	if stored == "" {
		return Info{}, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s@%s not found", name, versionKey))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.objectURL(name, versionKey, "blob"), nil)
	if err != nil {
		return Info{}, core.Wrap(err, core.ErrCodeStageExecution, "build stat request")
	}
	resp, err := s.do(req)
	if err != nil {
		return Info{}, core.Wrap(err, core.ErrCodeStageExecution, "stat artifact")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, core.NewDomain("artifact", core.ErrCodeArtifactNotFound,
			fmt.Sprintf("artifact %s@%s not found", name, versionKey))
	}

	info := Info{
		Ref:       Ref{Name: name, VersionKey: versionKey, SHA256: stored},
		SizeBytes: resp.ContentLength,
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.UploadedAt = t
		}
	}
	return info, nil
}

// fetchHash returns the committed content hash for a key, or "" when the
// key has never been fully uploaded.
func (s *RepoStore) fetchHash(ctx context.Context, name, versionKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(name, versionKey, "blob.sha256"), nil)
	if err != nil {
		return "", core.Wrap(err, core.ErrCodeStageExecution, "build hash request")
	}
	resp, err := s.do(req)
	if err != nil {
		return "", core.Wrap(err, core.ErrCodeStageExecution, "fetch artifact hash")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 128))
		if err != nil {
			return "", core.Wrap(err, core.ErrCodeStageExecution, "read artifact hash")
		}
		return strings.TrimSpace(string(raw)), nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", core.NewDomain("artifact", core.ErrCodeStageExecution,
			fmt.Sprintf("repository hash lookup failed: %s", resp.Status))
	}
}

var _ Store = (*RepoStore)(nil)
