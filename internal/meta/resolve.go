package meta

import (
	"path/filepath"
	"strings"
)

// Resolve returns the meta file, among metaPaths, whose directory is the
// longest-prefix ancestor of assetPath. It performs no I/O.
//
// Paths may use either separator; they are compared in slash form.
func Resolve(assetPath string, metaPaths []string) (string, bool) {
	assetDir := slashDir(assetPath)

	best := ""
	bestLen := -1
	for _, mp := range metaPaths {
		dir := slashDir(mp)
		if !isAncestor(dir, assetDir) {
			continue
		}
		if len(dir) > bestLen {
			best, bestLen = mp, len(dir)
		}
	}
	return best, bestLen >= 0
}

func slashDir(p string) string {
	return filepath.ToSlash(filepath.Dir(filepath.FromSlash(p)))
}

func isAncestor(dir, target string) bool {
	if dir == target || dir == "." {
		return true
	}
	if dir == "/" {
		return strings.HasPrefix(target, "/")
	}
	return strings.HasPrefix(target, dir+"/")
}
