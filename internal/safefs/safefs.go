// Package safefs walks and creates directories through file descriptors so
// that a path checked once cannot be swapped for a symlink before it is
// used.
package safefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotDirectory is returned when a path component is a symlink or not a
// directory.
var ErrNotDirectory = errors.New("not a directory or a symlink")

const openFlags = unix.O_RDONLY | unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC

// OpenDir opens the directory at path. Symlinks in path itself are followed;
// everything opened below it with OpenAt or MkdirAllAt is not.
func OpenDir(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), filepath.Clean(path)), nil
}

// OpenAt opens the directory rel below root one component at a time,
// refusing symlinks and "..".
func OpenAt(root *os.File, rel string) (*os.File, error) {
	return walk(root, rel, 0, nil)
}

// MkdirAllAt opens the directory rel below root like OpenAt, creating
// missing components with perm. made is called with every directory it
// creates.
func MkdirAllAt(root *os.File, rel string, perm os.FileMode, made func(dir *os.File) error) (*os.File, error) {
	return walk(root, rel, perm, made)
}

func walk(root *os.File, rel string, perm os.FileMode, made func(*os.File) error) (*os.File, error) {
	segments, err := split(rel)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Dup(int(root.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", root.Name(), err)
	}
	unix.CloseOnExec(fd)
	cur := os.NewFile(uintptr(fd), root.Name())

	for _, seg := range segments {
		path := filepath.Join(cur.Name(), seg)
		created := false
		if perm != 0 {
			switch err := unix.Mkdirat(int(cur.Fd()), seg, uint32(perm.Perm())); {
			case err == nil:
				created = true
			case errors.Is(err, unix.EEXIST):
			default:
				cur.Close()
				return nil, &os.PathError{Op: "mkdir", Path: path, Err: err}
			}
		}

		next, err := unix.Openat(int(cur.Fd()), seg, openFlags, 0)
		cur.Close()
		if errors.Is(err, unix.ELOOP) || errors.Is(err, unix.ENOTDIR) {
			return nil, &os.PathError{Op: "open", Path: path, Err: ErrNotDirectory}
		}
		if err != nil {
			return nil, &os.PathError{Op: "open", Path: path, Err: err}
		}
		cur = os.NewFile(uintptr(next), path)

		if created && made != nil {
			if err := made(cur); err != nil {
				cur.Close()
				return nil, err
			}
		}
	}
	return cur, nil
}

func split(rel string) ([]string, error) {
	if filepath.IsAbs(rel) {
		return nil, fmt.Errorf("path %q is not relative", rel)
	}
	var out []string
	for _, seg := range strings.Split(filepath.Clean(rel), "/") {
		switch seg {
		case "", ".":
		case "..":
			return nil, fmt.Errorf("path %q leaves its root", rel)
		default:
			out = append(out, seg)
		}
	}
	return out, nil
}

// Path returns where f currently is, as the kernel sees it. A removed
// directory ends in " (deleted)".
func Path(f *os.File) (string, error) {
	return os.Readlink("/proc/self/fd/" + strconv.Itoa(int(f.Fd())))
}
