// Package contentcache implements Deptective's Content Index Cache: a
// persistent, per-(package manager, OS, release, arch) mapping from
// filesystem paths to the packages that provide them.
package contentcache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/trailofbits/deptective/pkg/packagemanager"
)

// Entry is a logical (filename, providing packages) record, with filename
// stored without a leading path separator.
type Entry struct {
	Filename string
	Packages []string
}

// Cache is a persistent, read-after-build store of ContentIndexEntry rows
// backed by a SQLite database, mirroring the original implementation's
// SQLCache. It is identified by a packagemanager.Manager.
type Cache struct {
	mgr  packagemanager.Manager
	db   *sql.DB
	path string
	log  *logrus.Entry
}

// CacheDir returns the directory Deptective stores its per-triple SQLite
// caches and Dockerfile sidecars in, creating it if necessary.
func CacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("determining user cache directory: %w", err)
	}
	dir = filepath.Join(dir, "deptective")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	return dir, nil
}

// Path returns the on-disk SQLite file that backs mgr's cache:
// <user-cache>/<pm_name>_<os>_<os_version>_<arch>.sqlite3.
func Path(mgr packagemanager.Manager) (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}
	cfg := mgr.Config()
	name := fmt.Sprintf("%s_%s_%s_%s.sqlite3", mgr.Name(), cfg.OS, cfg.OSVersion, cfg.Arch)
	return filepath.Join(dir, name), nil
}

// Exists reports whether mgr's cache has already been built on disk.
func Exists(mgr packagemanager.Manager) (bool, error) {
	path, err := Path(mgr)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes mgr's on-disk cache artifact, if any. Subsequent Open calls
// rebuild it from the adapter's enumeration.
func Delete(mgr packagemanager.Manager) error {
	path, err := Path(mgr)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Open opens mgr's cache, building it first via mgr.IterPackages if it does
// not already exist on disk.
func Open(ctx context.Context, mgr packagemanager.Manager) (*Cache, error) {
	path, err := Path(mgr)
	if err != nil {
		return nil, err
	}

	exists, err := Exists(mgr)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := build(ctx, mgr, path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening content cache %s: %w", path, err)
	}
	return &Cache{
		mgr:  mgr,
		db:   db,
		path: path,
		log:  logrus.WithFields(logrus.Fields{"package_manager": mgr.Name(), "cache_path": path}),
	}, nil
}

// build consumes mgr.IterPackages into a fresh SQLite file at path. Building
// is atomic: any failure removes the partial file before returning, so a
// half-populated cache is never mistaken for a complete one.
func build(ctx context.Context, mgr packagemanager.Manager, path string) (err error) {
	db, openErr := sql.Open("sqlite3", path)
	if openErr != nil {
		return fmt.Errorf("creating content cache %s: %w", path, openErr)
	}
	defer func() {
		db.Close()
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err = db.ExecContext(ctx, `CREATE TABLE files (filename TEXT NOT NULL, package TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("creating files table: %w", err)
	}
	if _, err = db.ExecContext(ctx, `CREATE INDEX filenames ON files(filename)`); err != nil {
		return fmt.Errorf("creating filename index: %w", err)
	}
	if _, err = db.ExecContext(ctx, `CREATE INDEX packages ON files(package)`); err != nil {
		return fmt.Errorf("creating package index: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting cache build transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO files(filename, package) VALUES(?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for entry, iterErr := range mgr.IterPackages(ctx) {
		if iterErr != nil {
			return iterErr
		}
		for _, pkg := range entry.Packages {
			if _, err = stmt.ExecContext(ctx, entry.Filename, pkg); err != nil {
				return fmt.Errorf("inserting (%s, %s): %w", entry.Filename, pkg, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing cache build: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// PackageManager returns the Manager this cache is keyed by.
func (c *Cache) PackageManager() packagemanager.Manager { return c.mgr }

// Lookup returns the set of packages known to provide path. A leading
// separator is stripped before the query, since stored filenames never carry
// one: Lookup("/x/y") and Lookup("x/y") are equivalent.
func (c *Cache) Lookup(path string) ([]string, error) {
	path = normalize(path)
	rows, err := c.db.Query(`SELECT DISTINCT package FROM files WHERE filename = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("looking up %q: %w", path, err)
	}
	defer rows.Close()

	var packages []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

// Contains reports whether any package provides path.
func (c *Cache) Contains(path string) (bool, error) {
	packages, err := c.Lookup(path)
	if err != nil {
		return false, err
	}
	return len(packages) > 0, nil
}

func normalize(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

// Iterate streams every (filename, packages) entry in the cache, grouped by
// filename in filename order. Rows are read one at a time from a single
// query cursor; they are not fetched in fixed-size batches.
func (c *Cache) Iterate(ctx context.Context) func(yield func(Entry, error) bool) {
	return func(yield func(Entry, error) bool) {
		rows, err := c.db.QueryContext(ctx, `SELECT filename, package FROM files ORDER BY filename`)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer rows.Close()

		const batchSize = 1024
		var (
			currentFilename string
			currentPackages []string
			haveCurrent     bool
			batched         int
		)
		flush := func() bool {
			if !haveCurrent {
				return true
			}
			ok := yield(Entry{Filename: currentFilename, Packages: currentPackages}, nil)
			currentPackages = nil
			return ok
		}

		for rows.Next() {
			var filename, pkg string
			if err := rows.Scan(&filename, &pkg); err != nil {
				yield(Entry{}, err)
				return
			}
			batched++
			if !haveCurrent || filename != currentFilename {
				if !flush() {
					return
				}
				currentFilename = filename
				haveCurrent = true
			}
			currentPackages = append(currentPackages, pkg)
			_ = batchSize // unused: rows come straight from the cursor, one Scan per row.
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, err)
			return
		}
		flush()
	}
}
