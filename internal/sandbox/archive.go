package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// buildArchive packs files into a tar stream for CopyToContainer. Paths are
// relative to the destination directory and may not escape it.
func buildArchive(files map[string]string, modTime time.Time) (*bytes.Buffer, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := make(map[string]bool)
	for _, name := range names {
		clean, err := cleanPath(name)
		if err != nil {
			return nil, err
		}
		for dir := path.Dir(clean); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dir + "/",
				Mode:     0o755,
				ModTime:  modTime,
			}); err != nil {
				return nil, fmt.Errorf("write archive dir %s: %w", dir, err)
			}
		}
		content := files[name]
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     clean,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  modTime,
		}); err != nil {
			return nil, fmt.Errorf("write archive header %s: %w", clean, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return nil, fmt.Errorf("write archive file %s: %w", clean, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return &buf, nil
}

func cleanPath(name string) (string, error) {
	if name == "" || path.IsAbs(name) || strings.Contains(name, "\\") {
		return "", fmt.Errorf("invalid artifact path %q", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("artifact path %q escapes the workspace", name)
	}
	return clean, nil
}
