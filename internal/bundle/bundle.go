// Package bundle packs staged artifacts into the output zip archive.
//
// The archive is written to a temporary file next to the output path and
// renamed into place only when every entry was written, so an existing file
// at the output path is either fully replaced or left untouched.
package bundle

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/lexfrei/go-aviatrix/internal/staging"
)

const (
	// ManifestName is the archive entry holding the manifest.
	ManifestName = "manifest.json"
	// ManifestVersion is the manifest schema version.
	ManifestVersion = "1"

	partialSuffix = ".partial"
)

// Options controls how the archive is written.
type Options struct {
	// Compress stores entries with Deflate instead of Store.
	Compress bool
	// KeepPartial leaves a failed archive at "<output>.partial" instead of removing it.
	KeepPartial bool
	// Manifest, when set, is completed with the file inventory and written as manifest.json.
	Manifest *Manifest
}

// Manifest describes the contents of a bundle.
type Manifest struct {
	Version     string            `json:"version"      yaml:"version"`
	RunID       string            `json:"run_id"       yaml:"run_id"`
	Controller  string            `json:"controller"   yaml:"controller"`
	GeneratedAt time.Time         `json:"generated_at" yaml:"generated_at"`
	TotalFiles  int               `json:"total_files"  yaml:"total_files"`
	Files       []FileEntry       `json:"files"        yaml:"files"`
	Failures    map[string]string `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// FileEntry is one archive entry in the manifest.
type FileEntry struct {
	Path   string       `json:"path"   yaml:"path"`
	Kind   staging.Kind `json:"kind"   yaml:"kind"`
	Size   int64        `json:"size"   yaml:"size"`
	SHA256 string       `json:"sha256" yaml:"sha256"`
}

// NewManifest starts a manifest for one run against controller.
func NewManifest(controller string) *Manifest {
	return &Manifest{
		Version:     ManifestVersion,
		RunID:       uuid.NewString(),
		Controller:  controller,
		GeneratedAt: time.Now().UTC(),
	}
}

// Result describes a written archive.
type Result struct {
	Path     string
	Entries  []string
	Manifest *Manifest
}

// BundleError means the archive could not be completed. Staged files are
// left in place so nothing fetched is lost.
//
//nolint:revive // bundle.BundleError reads naturally next to the other typed errors
type BundleError struct {
	// Missing lists the artifacts that did not make it into an archive.
	Missing []string
	// Partial is the path of the kept partial archive, if any.
	Partial string
	Err     error
}

func (e *BundleError) Error() string {
	msg := fmt.Sprintf("bundle incomplete, missing %s", strings.Join(e.Missing, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BundleError) Unwrap() error { return e.Err }

// ErrNothingToBundle is returned when the staging area is empty.
var ErrNothingToBundle = errors.New("no staged artifacts to bundle")

// Write packs every artifact of area into outputPath, one entry per logical
// name, and then removes the staged files. An existing file at outputPath is
// overwritten. On failure the staged files are kept and a *BundleError is
// returned.
func Write(area *staging.Area, outputPath string, opts Options) (*Result, error) {
	artifacts := area.Artifacts()
	if len(artifacts) == 0 {
		return nil, ErrNothingToBundle
	}

	names := make([]string, len(artifacts))
	for i, a := range artifacts {
		names[i] = a.Name
	}

	if opts.Manifest != nil {
		for _, name := range names {
			if name == ManifestName {
				return nil, &BundleError{Missing: names, Err: errors.Newf("artifact name %s is reserved", ManifestName)}
			}
		}
	}

	dir := filepath.Dir(outputPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return nil, &BundleError{Missing: names, Err: errors.Wrap(err, "failed to create archive")}
	}

	written, err := writeArchive(tmp, artifacts, opts)
	if err == nil {
		if err = finish(tmp, outputPath); err != nil {
			written = nil
		}
	}

	if err != nil {
		_ = tmp.Close()

		bundleErr := &BundleError{Missing: missing(names, written), Err: err}

		if opts.KeepPartial {
			partial := outputPath + partialSuffix
			if renameErr := os.Rename(tmp.Name(), partial); renameErr == nil {
				bundleErr.Partial = partial
				return nil, bundleErr
			}
		}

		_ = os.Remove(tmp.Name())

		return nil, bundleErr
	}

	result := &Result{Path: outputPath, Entries: names, Manifest: opts.Manifest}
	if opts.Manifest != nil {
		result.Entries = append(result.Entries, ManifestName)
	}

	for _, name := range names {
		if err := area.Remove(name); err != nil {
			return result, errors.Wrap(err, "archive written but staging cleanup failed")
		}
	}

	if err := area.Cleanup(); err != nil {
		return result, errors.Wrap(err, "archive written but staging cleanup failed")
	}

	return result, nil
}

// writeArchive streams every artifact into w and returns the names written.
func writeArchive(w io.Writer, artifacts []staging.Artifact, opts Options) ([]string, error) {
	method := zip.Store
	if opts.Compress {
		method = zip.Deflate
	}

	now := time.Now()
	zw := zip.NewWriter(w)
	written := make([]string, 0, len(artifacts))

	for _, artifact := range artifacts {
		if err := addFile(zw, artifact, method, now); err != nil {
			return written, err
		}
		written = append(written, artifact.Name)
	}

	if m := opts.Manifest; m != nil {
		m.Files = make([]FileEntry, 0, len(artifacts))
		for _, a := range artifacts {
			m.Files = append(m.Files, FileEntry{Path: a.Name, Kind: a.Kind, Size: a.Size, SHA256: a.SHA256})
		}
		m.TotalFiles = len(m.Files)

		data, err := json.MarshalIndent(m, "", " ")
		if err != nil {
			return written, errors.Wrap(err, "failed to encode manifest")
		}

		entry, err := zw.CreateHeader(header(ManifestName, method, now))
		if err != nil {
			return written, errors.Wrap(err, "failed to add manifest")
		}
		if _, err := entry.Write(append(data, '\n')); err != nil {
			return written, errors.Wrap(err, "failed to write manifest")
		}
	}

	// Without a central directory no entry is readable.
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize archive")
	}

	return written, nil
}

func addFile(zw *zip.Writer, artifact staging.Artifact, method uint16, modified time.Time) error {
	src, err := os.Open(artifact.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to open staged %s", artifact.Name)
	}
	defer src.Close()

	entry, err := zw.CreateHeader(header(artifact.Name, method, modified))
	if err != nil {
		return errors.Wrapf(err, "failed to add %s", artifact.Name)
	}

	if _, err := io.Copy(entry, src); err != nil {
		return errors.Wrapf(err, "failed to write %s", artifact.Name)
	}

	return nil
}

func header(name string, method uint16, modified time.Time) *zip.FileHeader {
	h := &zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: modified,
	}
	h.SetMode(0o644)
	return h
}

// finish flushes tmp and moves it over outputPath.
func finish(tmp *os.File, outputPath string) error {
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync archive")
	}

	if err := tmp.Chmod(0o644); err != nil {
		return errors.Wrap(err, "failed to set archive permissions")
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close archive")
	}

	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return errors.Wrap(err, "failed to move archive into place")
	}

	return nil
}

// missing returns the names not present in written.
func missing(names, written []string) []string {
	done := make(map[string]bool, len(written))
	for _, n := range written {
		done[n] = true
	}

	var out []string
	for _, n := range names {
		if !done[n] {
			out = append(out, n)
		}
	}

	return out
}
