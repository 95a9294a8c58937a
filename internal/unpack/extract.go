// Package unpack materializes pre-deployed application code at worker
// startup. Two sources exist: the Flash build artifact on the volume, and
// a project tarball fetched from S3-compatible object storage. Both
// extract through safeExtract, which rejects any member that would land
// outside the extraction root.
package unpack

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// errUnsafePath is wrapped into errors for members that escape the
// extraction root.
var errUnsafePath = fmt.Errorf("unsafe tar member path")

// validateMembers walks the archive headers and rejects the first member
// whose resolved path (or symlink target) escapes root. Nothing is
// written; a rejection aborts extraction before the first file lands.
func validateMembers(r io.Reader, root string) error {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve extraction root: %w", err)
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		target, err := resolveMember(rootAbs, hdr.Name)
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: symlink %s -> %s", errUnsafePath, hdr.Name, hdr.Linkname)
			}
			resolved := filepath.Join(filepath.Dir(target), hdr.Linkname)
			rel, err := filepath.Rel(rootAbs, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
				return fmt.Errorf("%w: symlink %s -> %s", errUnsafePath, hdr.Name, hdr.Linkname)
			}
		}
	}
}

// safeExtract unpacks a tar stream into root. Callers must have validated
// the member list first (validateMembers); the per-member checks here are
// a second line of defense.
func safeExtract(r io.Reader, root string) error {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve extraction root: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := resolveMember(rootAbs, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", hdr.Name, err)
			}
			mode := os.FileMode(hdr.Mode & 0o777)
			if mode == 0 {
				mode = 0o644
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
			if err != nil {
				return fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("write file %s: %w", hdr.Name, err)
			}
			f.Close()
		case tar.TypeSymlink:
			// A link target escaping the root is as dangerous as a member
			// path doing so.
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: symlink %s -> %s", errUnsafePath, hdr.Name, hdr.Linkname)
			}
			resolved := filepath.Join(filepath.Dir(target), hdr.Linkname)
			rel, err := filepath.Rel(rootAbs, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
				return fmt.Errorf("%w: symlink %s -> %s", errUnsafePath, hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", hdr.Name, err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", hdr.Name, err)
			}
		default:
			// Hard links, devices, FIFOs have no place in a code archive.
		}
	}
}

// resolveMember joins a member name onto the root and verifies it stays
// inside.
func resolveMember(rootAbs, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	target := filepath.Join(rootAbs, name)
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", errUnsafePath, name)
	}
	return target, nil
}

// extractArchive opens a possibly-gzipped tar file and extracts it into
// root. The archive is walked twice: a validation pass over every member,
// then the extraction pass — so a hostile member aborts before any file
// is written.
func extractArchive(path, root string) error {
	if err := withArchiveReader(path, func(r io.Reader) error {
		return validateMembers(r, root)
	}); err != nil {
		return err
	}
	return withArchiveReader(path, func(r io.Reader) error {
		return safeExtract(r, root)
	})
}

func withArchiveReader(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	return fn(reader)
}
