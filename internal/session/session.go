// Package session carries the per-session state every engine and governor
// call needs. The context is an explicit value passed by the caller; nothing
// in the engine reads ambient globals.
package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kingrea/strata/internal/provenance"
	"github.com/kingrea/strata/internal/vfs"
)

// SessionsDir is the root under which session trees live. Session ids prefix
// every artifact path, so different sessions can never contend for one tree.
const SessionsDir = "sessions"

// Context identifies one research session and its storage substrate.
type Context struct {
	ID       string
	Path     string
	Workflow string
	FS       vfs.FS
	Layout   provenance.Layout
	Params   map[string]string
}

// Option customizes a new session.
type Option func(*Context)

// WithID pins the session id instead of generating one.
func WithID(id string) Option {
	return func(ctx *Context) {
		if strings.TrimSpace(id) != "" {
			ctx.ID = id
		}
	}
}

// WithLayout selects the materialization layout for the session.
func WithLayout(layout provenance.Layout) Option {
	return func(ctx *Context) {
		ctx.Layout = layout
	}
}

// WithParams attaches caller parameters recorded into every envelope.
func WithParams(params map[string]string) Option {
	return func(ctx *Context) {
		ctx.Params = params
	}
}

// New creates a session rooted at sessions/<id> inside the filesystem.
func New(fs vfs.FS, workflow string, opts ...Option) (Context, error) {
	if fs == nil {
		return Context{}, fmt.Errorf("session: filesystem is required")
	}
	ctx := Context{
		ID:       uuid.NewString(),
		Workflow: workflow,
		FS:       fs,
		Layout:   provenance.LayoutStore,
	}
	for _, opt := range opts {
		opt(&ctx)
	}
	ctx.Path = vfs.JoinPath(SessionsDir, ctx.ID)
	if err := fs.DirCreate(ctx.Path); err != nil {
		return Context{}, fmt.Errorf("session: create %s: %w", ctx.Path, err)
	}
	return ctx, nil
}

// Open attaches to an existing session tree without creating anything.
func Open(fs vfs.FS, workflow, id string, opts ...Option) (Context, error) {
	if fs == nil {
		return Context{}, fmt.Errorf("session: filesystem is required")
	}
	if strings.TrimSpace(id) == "" {
		return Context{}, fmt.Errorf("session: id is required")
	}
	ctx := Context{
		ID:       id,
		Workflow: workflow,
		FS:       fs,
		Layout:   provenance.LayoutStore,
		Path:     vfs.JoinPath(SessionsDir, id),
	}
	for _, opt := range opts {
		opt(&ctx)
	}
	return ctx, nil
}

// List returns the session ids present in the filesystem.
func List(fs vfs.FS) ([]string, error) {
	entries, err := fs.DirList(SessionsDir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Kind == vfs.KindDirectory {
			ids = append(ids, entry.Name)
		}
	}
	return ids, nil
}
