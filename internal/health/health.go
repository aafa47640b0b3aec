// Package health guards shared workspace resources. The single-instance
// lock keeps two close-loop runs from interleaving spec mutations in the
// same workspace.
package health

import (
	"fmt"
	"os"
)

// Lock is a held workspace lock. The underlying file stays open for the
// holder's lifetime; Release drops the lock and removes the file.
type Lock struct {
	file *os.File
}

// Acquire takes the exclusive workspace lock, creating the lock file as
// needed. It fails immediately when another process holds the lock. The
// file carries the holder's pid for whoever inspects a stale lock.
func Acquire(path string) (*Lock, error) {
	f, err := openLocked(path)
	if err != nil {
		return nil, err
	}
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{file: f}, nil
}

// Release drops the lock and removes the lock file. Safe on nil and after
// a previous Release.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	unlock(l.file)
	name := l.file.Name()
	l.file.Close()
	os.Remove(name)
	l.file = nil
}
