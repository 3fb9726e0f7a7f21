// File: internal/isolate/sourcemap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-resolved-path source map registry used to remap a thrown guest
// error's stack trace back to original TypeScript/JSX source before it is
// surfaced to the client.
//
// This package does not itself parse the source-map VLQ mapping format;
// that belongs to the external transform step that produced the map. The
// registry here only tracks which raw-compiled-line ranges belong to which
// resolved path, so RunScript's stack remap can substitute filenames; a
// full column/line remap is delegated to a registered Resolver.

package isolate

import "sync"

// SourceMapResolver remaps one stack frame's (file, line, col) using a
// previously registered source map.
type SourceMapResolver interface {
	Resolve(file string, line, col int) (origFile string, origLine, origCol int, ok bool)
}

type sourceMapRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]SourceMapResolver // resolvedPath -> resolver
}

func newSourceMapRegistry() *sourceMapRegistry {
	return &sourceMapRegistry{resolvers: make(map[string]SourceMapResolver)}
}

// Register associates resolvedPath with a resolver built from its
// transform's emitted source map. The module pipeline in modules.go does
// not call it (Transformer returns no map data), so the registry holds
// only resolvers a caller registers directly.
func (r *sourceMapRegistry) Register(resolvedPath string, resolver SourceMapResolver) {
	r.mu.Lock()
	r.resolvers[resolvedPath] = resolver
	r.mu.Unlock()
}

// Forget drops a registered map. MarkSoftDisposed does not call it, so a
// registered resolver stays in place across namespace reuse.
func (r *sourceMapRegistry) Forget(resolvedPath string) {
	r.mu.Lock()
	delete(r.resolvers, resolvedPath)
	r.mu.Unlock()
}

// remap rewrites every frame of a raw V8 stack trace it recognizes,
// leaving unrecognized frames (host/native frames, files with no
// registered map) untouched.
func (r *sourceMapRegistry) remap(stack string) string {
	frames := splitStackFrames(stack)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, f := range frames {
		file, line, col, ok := parseStackFrame(f)
		if !ok {
			continue
		}
		resolver, ok := r.resolvers[file]
		if !ok {
			continue
		}
		origFile, origLine, origCol, ok := resolver.Resolve(file, line, col)
		if !ok {
			continue
		}
		frames[i] = formatStackFrame(origFile, origLine, origCol)
	}
	return joinStackFrames(frames)
}
