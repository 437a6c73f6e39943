// Package lockfile guards a directory against concurrent use by more than one
// process.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// LockFile is an acquired lock.
type LockFile struct {
	f    *lockedfile.File
	path string
}

// Path of the lock file.
func (lf *LockFile) Path() string {
	return lf.path
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return fmt.Errorf("nil internal locked file")
	}
	return lf.f.Close()
}

// Acquire blocks until the lock on filePath is obtained or ctx is done. The
// owner string is written to the file along with the pid and host name, to
// help identify who holds the lock.
func Acquire(ctx context.Context, filePath, owner string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o0700); err != nil {
		return nil, err
	}
	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(filePath)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		// Errors writing the owner info are not fatal.
		host, _ := os.Hostname()
		fmt.Fprintf(f, "Owner=%q\nPID=%d\nHost=%q\n", owner, os.Getpid(), host)
		return &LockFile{f: f, path: filePath}, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The file may still (eventually) open, so make sure it is
		// closed if it ever does.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Holder returns the owner info written by whoever holds (or last held) the
// lock on filePath, on a single line.
func Holder(filePath string) (string, error) {
	b, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(string(b)), " "), nil
}
