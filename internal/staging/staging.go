// Package staging holds fetched artifacts on disk between fetching and bundling.
package staging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Kind tells how an artifact was produced.
type Kind string

const (
	// KindJSON is a JSON document written from an API response.
	KindJSON Kind = "json"
	// KindExtracted is a file taken out of a controller export archive.
	KindExtracted Kind = "extracted"
)

// jsonIndent matches the single-space indentation of the original bundle layout.
const jsonIndent = " "

// ErrDuplicate is returned when a logical name is staged twice.
var ErrDuplicate = errors.New("artifact already staged")

// Artifact is one staged file. Name is its logical name and later its
// archive entry name.
type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"-"`
	Kind   Kind   `json:"kind"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Area is a private temporary directory of staged artifacts.
// It is safe for concurrent use.
type Area struct {
	dir string

	mu        sync.Mutex
	artifacts map[string]Artifact
}

// New creates a staging directory under parent (os.TempDir when empty).
func New(parent string) (*Area, error) {
	dir, err := os.MkdirTemp(parent, "legacy-policy-export-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging directory")
	}

	return &Area{dir: dir, artifacts: make(map[string]Artifact)}, nil
}

// Dir returns the staging directory.
func (a *Area) Dir() string { return a.dir }

// StageBytes writes content under name.
func (a *Area) StageBytes(name string, kind Kind, content []byte) (Artifact, error) {
	if err := validName(name); err != nil {
		return Artifact{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.artifacts[name]; ok {
		return Artifact{}, errors.Wrapf(ErrDuplicate, "%s", name)
	}

	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return Artifact{}, errors.Wrapf(err, "failed to stage %s", name)
	}

	sum := sha256.Sum256(content)
	artifact := Artifact{
		Name:   name,
		Path:   path,
		Kind:   kind,
		Size:   int64(len(content)),
		SHA256: hex.EncodeToString(sum[:]),
	}
	a.artifacts[name] = artifact

	return artifact, nil
}

// StageJSON marshals v with single-space indentation and stages it.
func (a *Area) StageJSON(name string, v any) (Artifact, error) {
	data, err := json.MarshalIndent(v, "", jsonIndent)
	if err != nil {
		return Artifact{}, errors.Wrapf(err, "failed to encode %s", name)
	}

	return a.StageBytes(name, KindJSON, append(data, '\n'))
}

// StageRawJSON re-indents an API response body and stages it. Field order
// and values are kept as the controller sent them.
func (a *Area) StageRawJSON(name string, raw []byte) (Artifact, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", jsonIndent); err != nil {
		return Artifact{}, errors.Wrapf(err, "failed to indent %s", name)
	}
	buf.WriteByte('\n')

	return a.StageBytes(name, KindJSON, buf.Bytes())
}

// Artifacts returns the staged artifacts ordered by name.
func (a *Area) Artifacts() []Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Artifact, 0, len(a.artifacts))
	for _, artifact := range a.artifacts {
		out = append(out, artifact)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Len returns the number of staged artifacts.
func (a *Area) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.artifacts)
}

// Remove deletes one staged artifact.
func (a *Area) Remove(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	artifact, ok := a.artifacts[name]
	if !ok {
		return nil
	}

	if err := os.Remove(artifact.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove staged %s", name)
	}

	delete(a.artifacts, name)

	return nil
}

// Cleanup removes every staged artifact and the staging directory.
func (a *Area) Cleanup() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.RemoveAll(a.dir); err != nil {
		return errors.Wrap(err, "failed to remove staging directory")
	}

	a.artifacts = make(map[string]Artifact)

	return nil
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errors.Newf("invalid artifact name %q", name)
	case strings.ContainsAny(name, `/\`):
		return errors.Newf("artifact name %q must not contain a path separator", name)
	default:
		return nil
	}
}
