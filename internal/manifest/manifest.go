// Package manifest synchronizes build metadata into the host application's
// property list.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goplus/corebuild/internal/fsys"
	"github.com/goplus/corebuild/internal/vcs"
	"github.com/goplus/corebuild/pkgs/plist"
)

// Keys written into the manifest.
const (
	KeyCoreVersion = "coreVersion"
	KeyGitBranch   = "gitBranch"
	KeyGitCommit   = "gitCommit"
	KeyBuildTime   = "buildTime"
)

// TimeLayout formats the buildTime key.
const TimeLayout = "2006-01-02 15:04"

// ErrEmpty reports a manifest that is missing, undecodable or has no keys.
// Such a manifest is never written.
var ErrEmpty = errors.New("manifest is empty or unreadable")

// Metadata is the build information synchronized into the manifest. Empty
// fields other than CoreVersion are left out.
type Metadata struct {
	CoreVersion string `yaml:"coreVersion"`
	GitBranch   string `yaml:"gitBranch,omitempty"`
	GitCommit   string `yaml:"gitCommit,omitempty"`
	BuildTime   string `yaml:"buildTime,omitempty"`
}

// Document is a decoded manifest and the format it was stored in.
type Document struct {
	Dict   *plist.Dict
	Format plist.Format
}

// Load reads and decodes the manifest at path. Any failure, and a document
// without keys, is reported as ErrEmpty.
func Load(fs fsys.FS, path string) (*Document, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmpty, err)
	}
	v, format, err := plist.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEmpty, path, err)
	}
	dict, ok := v.(*plist.Dict)
	if !ok || dict.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return &Document{Dict: dict, Format: format}, nil
}

// Apply sets the metadata keys. Existing keys keep their position; new keys
// are appended.
func (d *Document) Apply(md Metadata) {
	d.Dict.Set(KeyCoreVersion, md.CoreVersion)
	for _, kv := range [...]struct{ key, val string }{
		{KeyGitBranch, md.GitBranch},
		{KeyGitCommit, md.GitCommit},
		{KeyBuildTime, md.BuildTime},
	} {
		if kv.val != "" {
			d.Dict.Set(kv.key, kv.val)
		}
	}
}

// Encode serializes the document in its original format.
func (d *Document) Encode() ([]byte, error) {
	return plist.Encode(d.Dict, d.Format)
}

// Sync loads the manifest at path, applies md and overwrites the file. No
// backup is kept. When the manifest is empty nothing is written and the
// returned error matches ErrEmpty.
func Sync(fs fsys.FS, path string, md Metadata) error {
	doc, err := Load(fs, path)
	if err != nil {
		return err
	}
	doc.Apply(md)
	data, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := fs.WriteFile(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Collect gathers the full metadata for version: the branch and commit
// checked out in dir, and now formatted with TimeLayout.
func Collect(ctx context.Context, v vcs.VCS, dir string, now time.Time, version string) (Metadata, error) {
	branch, err := v.Branch(ctx, dir)
	if err != nil {
		return Metadata{}, err
	}
	commit, err := v.Describe(ctx, dir)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		CoreVersion: version,
		GitBranch:   branch,
		GitCommit:   commit,
		BuildTime:   now.Format(TimeLayout),
	}, nil
}
