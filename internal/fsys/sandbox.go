package fsys

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/seantiz/haul/internal/model"
)

// MarkerFileName is written next to a job's files once every file finished.
const MarkerFileName = "fully_downloaded"

// PartSuffix is appended to a destination while its transfer is incomplete.
const PartSuffix = ".part"

// Sandbox confines download destinations to a root directory and prepares
// them for a new transfer.
type Sandbox struct {
	fs      FS
	root    string
	minFree uint64
	logger  *slog.Logger
}

// NewSandbox returns a sandbox rooted at root. An empty root allows any
// absolute destination. When minFree is non-zero, submissions are rejected
// once the destination volume has less free space than that.
func NewSandbox(fsys FS, root string, minFree uint64, logger *slog.Logger) *Sandbox {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &Sandbox{fs: fsys, root: root, minFree: minFree, logger: logger}
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// FS returns the underlying file system.
func (s *Sandbox) FS() FS {
	return s.fs
}

// Contains reports whether path lies inside the sandbox.
func (s *Sandbox) Contains(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	if s.root == "" {
		return true
	}
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

// Check validates dest for a new transfer without changing anything: it
// must lie inside the sandbox and, unless overwrite is set, must not exist.
// Rejections are *model.SubmissionError.
func (s *Sandbox) Check(dest string, overwrite bool) error {
	if !s.Contains(dest) {
		return &model.SubmissionError{Destination: dest, Reason: model.ReasonOutsideSandbox}
	}
	if overwrite {
		return nil
	}
	dest = filepath.Clean(dest)
	exists, err := s.fs.Exists(dest)
	if err != nil {
		return &model.SubmissionError{Destination: dest, Reason: "stat destination", Err: err}
	}
	if exists {
		return &model.SubmissionError{Destination: dest, Reason: model.ReasonDestinationExists}
	}
	return nil
}

// Prepare validates dest for a new transfer and creates its parent folders.
// An existing destination is removed when overwrite is set and rejected
// otherwise. All rejections are *model.SubmissionError.
func (s *Sandbox) Prepare(dest string, overwrite bool) error {
	if err := s.Check(dest, overwrite); err != nil {
		return err
	}
	dest = filepath.Clean(dest)

	if overwrite {
		exists, err := s.fs.Exists(dest)
		if err != nil {
			return &model.SubmissionError{Destination: dest, Reason: "stat destination", Err: err}
		}
		if exists {
			if err := s.fs.Remove(dest); err != nil {
				return &model.SubmissionError{Destination: dest, Reason: "remove existing destination", Err: err}
			}
			s.logger.Debug("removed existing destination", "path", dest)
		}
	}

	dir := filepath.Dir(dest)
	if err := s.fs.MkdirAll(dir); err != nil {
		return &model.SubmissionError{Destination: dest, Reason: "create folder", Err: err}
	}

	if s.minFree > 0 {
		free, err := s.fs.FreeSpace(dir)
		switch {
		case errors.Is(err, ErrFreeSpaceUnavailable):
		case err != nil:
			s.logger.Warn("free space query failed", "path", dir, "error", err)
		case free < s.minFree:
			return &model.SubmissionError{
				Destination: dest,
				Reason:      model.ReasonInsufficientSpace,
				Err:         fmt.Errorf("%s free, %s required", humanize.IBytes(free), humanize.IBytes(s.minFree)),
			}
		}
	}
	return nil
}

// Discard removes a destination and its partial file. Errors are logged and
// otherwise ignored.
func (s *Sandbox) Discard(dest string) {
	if !s.Contains(dest) {
		s.logger.Warn("refusing to remove file outside download directory", "path", dest)
		return
	}
	for _, p := range []string{dest, dest + PartSuffix} {
		if err := s.fs.Remove(p); err != nil {
			s.logger.Warn("remove download file", "path", p, "error", err)
		}
	}
}

// MarkFullyDownloaded writes the completion marker into dir.
func (s *Sandbox) MarkFullyDownloaded(dir, jobName string) error {
	if !s.Contains(filepath.Join(dir, MarkerFileName)) {
		return fmt.Errorf("marker directory %q is outside the download directory", dir)
	}
	if err := s.fs.WriteFile(filepath.Join(dir, MarkerFileName), []byte(jobName+"\n")); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// FreeSpace reports the free space of the volume holding the sandbox root.
func (s *Sandbox) FreeSpace() (uint64, error) {
	root := s.root
	if root == "" {
		root = string(filepath.Separator)
	}
	return s.fs.FreeSpace(root)
}

// CommonDir returns the deepest directory containing every path.
func CommonDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	dir := filepath.Dir(filepath.Clean(paths[0]))
	for _, p := range paths[1:] {
		pd := filepath.Dir(filepath.Clean(p))
		for !within(dir, pd) {
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return dir
}

func within(dir, path string) bool {
	if dir == path {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
