package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// OsFS stores the virtual tree under a real directory. The CLI uses it so
// sessions survive process restarts; tests prefer MemFS.
type OsFS struct {
	root string
}

// NewOsFS roots a filesystem at dir, creating it if needed.
func NewOsFS(dir string) (*OsFS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pathError("root", dir, err.Error())
	}
	return &OsFS{root: dir}, nil
}

// Root returns the backing directory.
func (o *OsFS) Root() string {
	return o.root
}

func (o *OsFS) abs(path string) string {
	return filepath.Join(o.root, filepath.FromSlash(JoinPath(path)))
}

// DirCreate implements FS.
func (o *OsFS) DirCreate(path string) error {
	abs := o.abs(path)
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return pathError("mkdir", path, "exists and is not a directory")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return pathError("mkdir", path, err.Error())
	}
	return nil
}

// FileCreate implements FS.
func (o *OsFS) FileCreate(path string, content []byte) error {
	abs := o.abs(path)
	if _, err := os.Stat(abs); err == nil {
		return pathError("create", path, "already exists")
	}
	return o.NodeWrite(path, content)
}

// NodeWrite implements FS.
func (o *OsFS) NodeWrite(path string, content []byte) error {
	abs := o.abs(path)
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return pathError("write", path, "is a directory")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return pathError("write", path, err.Error())
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return pathError("write", path, err.Error())
	}
	return nil
}

// NodeRead implements FS.
func (o *OsFS) NodeRead(path string) ([]byte, error) {
	content, err := os.ReadFile(o.abs(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, pathError("read", path, err.Error())
	}
	return content, nil
}

// NodeStat implements FS.
func (o *OsFS) NodeStat(path string) (*NodeInfo, error) {
	abs := o.abs(path)
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, pathError("stat", path, err.Error())
	}
	out := &NodeInfo{Name: info.Name(), Kind: KindFile, Size: int(info.Size()), Modified: info.ModTime()}
	switch {
	case info.IsDir():
		out.Kind = KindDirectory
		out.Size = 0
	case info.Mode()&os.ModeSymlink != 0:
		out.Kind = KindLink
		if target, err := os.Readlink(abs); err == nil {
			out.Target = filepath.ToSlash(target)
		}
	}
	return out, nil
}

// DirList implements FS.
func (o *OsFS) DirList(path string) ([]Entry, error) {
	entries, err := os.ReadDir(o.abs(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, pathError("list", path, err.Error())
	}
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		kind := KindFile
		if entry.IsDir() {
			kind = KindDirectory
		} else if entry.Type()&os.ModeSymlink != 0 {
			kind = KindLink
		}
		out = append(out, Entry{Name: entry.Name(), Kind: kind})
	}
	sortEntries(out)
	return out, nil
}

// TreeMount implements FS by materializing the subtree on disk.
func (o *OsFS) TreeMount(path string, tree *Subtree) error {
	if tree == nil {
		return pathError("mount", path, "nil subtree")
	}
	if _, err := os.Stat(o.abs(path)); err == nil {
		return pathError("mount", path, "already exists")
	}
	return o.mountNode(path, tree)
}

func (o *OsFS) mountNode(path string, tree *Subtree) error {
	if tree.Children == nil {
		return o.NodeWrite(path, tree.Content)
	}
	if err := o.DirCreate(path); err != nil {
		return err
	}
	for name, child := range tree.Children {
		if err := o.mountNode(JoinPath(path, name), child); err != nil {
			return err
		}
	}
	return nil
}

// TreeUnmount implements FS.
func (o *OsFS) TreeUnmount(path string) error {
	return o.NodeRemove(path)
}

// NodeMove implements FS.
func (o *OsFS) NodeMove(path, newPath string) error {
	if _, err := os.Stat(o.abs(newPath)); err == nil {
		return pathError("move", newPath, "already exists")
	}
	if err := os.MkdirAll(filepath.Dir(o.abs(newPath)), 0o755); err != nil {
		return pathError("move", newPath, err.Error())
	}
	if err := os.Rename(o.abs(path), o.abs(newPath)); err != nil {
		return pathError("move", path, err.Error())
	}
	return nil
}

// NodeRemove implements FS.
func (o *OsFS) NodeRemove(path string) error {
	if err := os.RemoveAll(o.abs(path)); err != nil {
		return pathError("remove", path, err.Error())
	}
	return nil
}

// LinkCreate implements FS using a symlink relative to the link's directory.
func (o *OsFS) LinkCreate(path, relativeTarget string) error {
	abs := o.abs(path)
	if _, err := os.Lstat(abs); err == nil {
		return pathError("link", path, "already exists")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return pathError("link", path, err.Error())
	}
	if err := os.Symlink(filepath.FromSlash(relativeTarget), abs); err != nil {
		return pathError("link", path, err.Error())
	}
	return nil
}
