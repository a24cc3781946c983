// Package artifact collects and verifies stage output files. Checkpoints
// record a digest per artifact so a resumed run can prove the files it is
// about to skip over still exist unmodified.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// Ref identifies one produced artifact. Path is relative to the stage
// directory it was collected from.
type Ref struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"blake3"`
}

// DefaultPatterns records everything a stage wrote.
var DefaultPatterns = []string{"**/*"}

// Collect globs patterns under root and returns a sorted, deduplicated list
// of refs with content digests. Directories are skipped.
func Collect(root string, patterns []string) ([]Ref, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	fsys := os.DirFS(root)
	seen := map[string]bool{}
	var refs []Ref
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		matches, err := doublestar.Glob(fsys, pat)
		if err != nil {
			return nil, fmt.Errorf("artifact glob %q: %w", pat, err)
		}
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			full := filepath.Join(root, filepath.FromSlash(rel))
			fi, err := os.Stat(full)
			if err != nil {
				return nil, err
			}
			if fi.IsDir() {
				continue
			}
			seen[rel] = true
			sum, n, err := digestFile(full)
			if err != nil {
				return nil, err
			}
			refs = append(refs, Ref{Path: rel, Size: n, Digest: sum})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

// Verify checks every ref against the files under root. It returns a non-nil
// error naming the first missing or altered artifact.
func Verify(root string, refs []Ref) error {
	for _, r := range refs {
		full := filepath.Join(root, filepath.FromSlash(r.Path))
		fi, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("artifact missing: %s", r.Path)
			}
			return err
		}
		if fi.Size() != r.Size {
			return fmt.Errorf("artifact altered: %s (size %d, recorded %d)", r.Path, fi.Size(), r.Size)
		}
		sum, _, err := digestFile(full)
		if err != nil {
			return err
		}
		if sum != r.Digest {
			return fmt.Errorf("artifact altered: %s (digest mismatch)", r.Path)
		}
	}
	return nil
}

func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}
