package vfs

import (
	"time"
)

// memNode is one node in the in-memory tree.
type memNode struct {
	kind     NodeKind
	content  []byte
	target   string
	children map[string]*memNode
	modified time.Time
}

func newMemDir(now time.Time) *memNode {
	return &memNode{kind: KindDirectory, children: map[string]*memNode{}, modified: now}
}

// MemFS is an in-memory hierarchical filesystem. It is the substrate used by
// tests and throwaway sessions; it is not safe for concurrent writers, which
// matches the engine's single-writer-per-session model.
type MemFS struct {
	root *memNode
	now  func() time.Time
}

// Option customizes a MemFS.
type Option func(*MemFS)

// WithClock overrides the clock used for node timestamps.
func WithClock(clock func() time.Time) Option {
	return func(fs *MemFS) {
		if clock != nil {
			fs.now = clock
		}
	}
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS(opts ...Option) *MemFS {
	fs := &MemFS{now: time.Now}
	for _, opt := range opts {
		opt(fs)
	}
	fs.root = newMemDir(fs.now())
	return fs
}

// lookup walks to a node without creating anything. Link nodes encountered
// mid-path are followed so reads can traverse alias directories; a link in
// leaf position is returned as-is.
func (fs *MemFS) lookup(path string) *memNode {
	segments := SplitPath(path)
	node := fs.root
	for i, segment := range segments {
		if node == nil {
			return nil
		}
		if node.kind == KindLink {
			node = fs.resolveLinks(node, JoinPath(segments[:i]...), 0)
			if node == nil {
				return nil
			}
		}
		if node.kind != KindDirectory {
			return nil
		}
		node = node.children[segment]
	}
	return node
}

// ensureDir walks to a directory, creating intermediate directories.
func (fs *MemFS) ensureDir(path string) (*memNode, error) {
	node := fs.root
	for _, segment := range SplitPath(path) {
		child, ok := node.children[segment]
		if !ok {
			child = newMemDir(fs.now())
			node.children[segment] = child
		}
		if child.kind != KindDirectory {
			return nil, pathError("mkdir", path, "exists and is not a directory")
		}
		node = child
	}
	return node, nil
}

// parentOf resolves the parent directory and leaf name for a path.
func (fs *MemFS) parentOf(path string, create bool) (*memNode, string, error) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return nil, "", pathError("resolve", path, "empty path")
	}
	dirSegments := segments[:len(segments)-1]
	leaf := segments[len(segments)-1]
	if create {
		parent, err := fs.ensureDir(JoinPath(dirSegments...))
		return parent, leaf, err
	}
	parent := fs.lookup(JoinPath(dirSegments...))
	if parent == nil || parent.kind != KindDirectory {
		return nil, "", nil
	}
	return parent, leaf, nil
}

// DirCreate implements FS.
func (fs *MemFS) DirCreate(path string) error {
	_, err := fs.ensureDir(path)
	return err
}

// FileCreate implements FS. It fails when the path already exists; callers
// that want replace semantics use NodeWrite.
func (fs *MemFS) FileCreate(path string, content []byte) error {
	if fs.lookup(path) != nil {
		return pathError("create", path, "already exists")
	}
	return fs.NodeWrite(path, content)
}

// NodeWrite implements FS with create-or-replace semantics.
func (fs *MemFS) NodeWrite(path string, content []byte) error {
	parent, leaf, err := fs.parentOf(path, true)
	if err != nil {
		return err
	}
	if existing, ok := parent.children[leaf]; ok && existing.kind == KindDirectory {
		return pathError("write", path, "is a directory")
	}
	parent.children[leaf] = &memNode{
		kind:     KindFile,
		content:  append([]byte{}, content...),
		modified: fs.now(),
	}
	return nil
}

// NodeRead implements FS. Missing paths return nil, nil.
func (fs *MemFS) NodeRead(path string) ([]byte, error) {
	node := fs.resolveLinks(fs.lookup(path), path, 0)
	if node == nil {
		return nil, nil
	}
	if node.kind != KindFile {
		return nil, pathError("read", path, "is not a file")
	}
	return append([]byte{}, node.content...), nil
}

// NodeStat implements FS. Missing paths return nil, nil.
func (fs *MemFS) NodeStat(path string) (*NodeInfo, error) {
	node := fs.lookup(path)
	if node == nil {
		return nil, nil
	}
	segments := SplitPath(path)
	name := ""
	if len(segments) > 0 {
		name = segments[len(segments)-1]
	}
	return &NodeInfo{
		Name:     name,
		Kind:     node.kind,
		Size:     len(node.content),
		Modified: node.modified,
		Target:   node.target,
	}, nil
}

// DirList implements FS.
func (fs *MemFS) DirList(path string) ([]Entry, error) {
	node := fs.lookup(path)
	if node == nil {
		return nil, nil
	}
	if node.kind != KindDirectory {
		return nil, pathError("list", path, "is not a directory")
	}
	entries := make([]Entry, 0, len(node.children))
	for name, child := range node.children {
		entries = append(entries, Entry{Name: name, Kind: child.kind})
	}
	sortEntries(entries)
	return entries, nil
}

// TreeMount implements FS by grafting the subtree at path.
func (fs *MemFS) TreeMount(path string, tree *Subtree) error {
	if tree == nil {
		return pathError("mount", path, "nil subtree")
	}
	parent, leaf, err := fs.parentOf(path, true)
	if err != nil {
		return err
	}
	if _, exists := parent.children[leaf]; exists {
		return pathError("mount", path, "already exists")
	}
	parent.children[leaf] = fs.buildSubtree(tree)
	return nil
}

func (fs *MemFS) buildSubtree(tree *Subtree) *memNode {
	if tree.Children == nil {
		return &memNode{kind: KindFile, content: append([]byte{}, tree.Content...), modified: fs.now()}
	}
	node := newMemDir(fs.now())
	for name, child := range tree.Children {
		node.children[name] = fs.buildSubtree(child)
	}
	return node
}

// TreeUnmount implements FS.
func (fs *MemFS) TreeUnmount(path string) error {
	return fs.NodeRemove(path)
}

// NodeMove implements FS.
func (fs *MemFS) NodeMove(path, newPath string) error {
	parent, leaf, err := fs.parentOf(path, false)
	if err != nil {
		return err
	}
	if parent == nil {
		return pathError("move", path, "not found")
	}
	node, ok := parent.children[leaf]
	if !ok {
		return pathError("move", path, "not found")
	}
	newParent, newLeaf, err := fs.parentOf(newPath, true)
	if err != nil {
		return err
	}
	if _, exists := newParent.children[newLeaf]; exists {
		return pathError("move", newPath, "already exists")
	}
	delete(parent.children, leaf)
	node.modified = fs.now()
	newParent.children[newLeaf] = node
	return nil
}

// NodeRemove implements FS. Removing a missing path is a no-op.
func (fs *MemFS) NodeRemove(path string) error {
	parent, leaf, err := fs.parentOf(path, false)
	if err != nil || parent == nil {
		return err
	}
	delete(parent.children, leaf)
	return nil
}

// LinkCreate implements FS. The target is interpreted relative to the link's
// directory when the link is read through NodeRead.
func (fs *MemFS) LinkCreate(path, relativeTarget string) error {
	parent, leaf, err := fs.parentOf(path, true)
	if err != nil {
		return err
	}
	if _, exists := parent.children[leaf]; exists {
		return pathError("link", path, "already exists")
	}
	parent.children[leaf] = &memNode{kind: KindLink, target: relativeTarget, modified: fs.now()}
	return nil
}

// resolveLinks follows link nodes, bounded to avoid loops.
func (fs *MemFS) resolveLinks(node *memNode, path string, depth int) *memNode {
	if node == nil || node.kind != KindLink {
		return node
	}
	if depth > 8 {
		return nil
	}
	segments := SplitPath(path)
	resolved := append([]string{}, segments[:len(segments)-1]...)
	for _, segment := range SplitPath(node.target) {
		if segment == ".." {
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}
		resolved = append(resolved, segment)
	}
	target := JoinPath(resolved...)
	return fs.resolveLinks(fs.lookup(target), target, depth+1)
}
