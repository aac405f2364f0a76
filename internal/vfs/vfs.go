// Package vfs defines the hierarchical virtual filesystem the engine stores
// artifacts in, plus in-memory and OS-rooted implementations. Absence is a
// value everywhere: NodeRead and NodeStat return nil for missing paths and
// reserve errors for real failures.
package vfs

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// NodeKind distinguishes stored node types.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
	KindLink      NodeKind = "link"
)

// NodeInfo is the metadata returned by NodeStat.
type NodeInfo struct {
	Name     string
	Kind     NodeKind
	Size     int
	Modified time.Time
	// Target holds the relative link target for KindLink nodes.
	Target string
}

// IsDir reports whether the node is a directory.
func (i NodeInfo) IsDir() bool {
	return i.Kind == KindDirectory
}

// Entry is one DirList result.
type Entry struct {
	Name string
	Kind NodeKind
}

// Subtree is a detached node tree used by TreeMount. Exactly one of Content or
// Children is meaningful: a nil Children map makes the subtree a file.
type Subtree struct {
	Content  []byte
	Children map[string]*Subtree
}

// FS is the storage substrate the materialization engine writes into. All
// paths are slash-separated and interpreted relative to the filesystem root.
type FS interface {
	// DirCreate ensures a directory exists. Creating an existing directory is
	// not an error; colliding with an existing file is.
	DirCreate(path string) error
	// FileCreate writes a new file. It fails if the path already exists.
	FileCreate(path string, content []byte) error
	// NodeWrite creates or replaces a file.
	NodeWrite(path string, content []byte) error
	// NodeRead returns file content, or nil if the path does not exist.
	NodeRead(path string) ([]byte, error)
	// NodeStat returns metadata, or nil if the path does not exist.
	NodeStat(path string) (*NodeInfo, error)
	// DirList returns directory entries sorted by name.
	DirList(path string) ([]Entry, error)
	// TreeMount grafts an entire subtree at the path.
	TreeMount(path string, tree *Subtree) error
	// TreeUnmount removes a previously mounted subtree.
	TreeUnmount(path string) error
	// NodeMove relocates a node (and any children) to a new path.
	NodeMove(path, newPath string) error
	// NodeRemove deletes a node and any children. Removing a missing path is
	// not an error.
	NodeRemove(path string) error
	// LinkCreate records a link node pointing at a path relative to the link's
	// directory.
	LinkCreate(path, relativeTarget string) error
}

// SplitPath normalizes a slash path into segments, dropping empties.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	return out
}

// JoinPath assembles segments into a normalized slash path.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		parts = append(parts, SplitPath(segment)...)
	}
	return strings.Join(parts, "/")
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

func pathError(op, path, detail string) error {
	return fmt.Errorf("vfs: %s %s: %s", op, path, detail)
}
