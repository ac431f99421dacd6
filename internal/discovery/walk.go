package discovery

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// fileVisitor receives each regular file that survived the scope filters.
// Returning an error stops the walk.
type fileVisitor func(path string, info fs.FileInfo) error

// walkScanPaths walks every configured root, skipping excluded prefixes,
// oversized files, and anything unreadable. Cancellation is checked per
// entry so a deadline can interrupt a deep tree mid-walk.
func walkScanPaths(ctx context.Context, roots, exclusions []string, maxFileSize int64, visit fileVisitor) error {
	for _, root := range roots {
		root = filepath.Clean(root)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				// Unreadable entries are skipped, not fatal.
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if excluded(path, exclusions) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			if maxFileSize > 0 && info.Size() > maxFileSize {
				return nil
			}
			if info.Size() == 0 {
				return nil
			}

			return visit(path, info)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func excluded(path string, exclusions []string) bool {
	for _, ex := range exclusions {
		ex = filepath.Clean(ex)
		if path == ex || strings.HasPrefix(path, ex+string(os.PathSeparator)) {
			return true
		}
		// Bare names like "node_modules" match any path element.
		if !strings.ContainsRune(ex, os.PathSeparator) {
			for _, part := range strings.Split(path, string(os.PathSeparator)) {
				if part == ex {
					return true
				}
			}
		}
	}
	return false
}
