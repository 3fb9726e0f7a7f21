// File: internal/isolate/modules.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Module load pipeline: resolve specifier against the
// importer's resolveDir via the client-registered moduleLoader, hash the
// returned source with blake2b, consult the transform cache, run an
// external TypeScript/JSX transform on a miss, compile to an unbound V8
// script, and cache by hash and by resolved path.
//
// v8go exposes no native ES-module linker, so each module is compiled as
// a CommonJS-style function wrapper: `(function(module, exports, require)
// { <source> })`. The wrapper is invoked once per resolved path and its
// `module.exports` is memoized by the daemon's require implementation
// (daemon/runtime.go), keyed by resolved path; recursive `require` calls
// re-enter Resolve for nested specifiers.

package isolate

import (
	"encoding/hex"
	"fmt"
	"sync"

	v8 "rogchap.com/v8go"
	"golang.org/x/crypto/blake2b"

	"github.com/isod-run/isod/api"
)

// ModuleLoader is the client-registered resolve+load callback.
type ModuleLoader interface {
	Resolve(specifier, resolveDir string) (resolvedPath string, err error)
	Load(resolvedPath string) (source string, isTypeScript bool, err error)
}

// Transformer runs an external TypeScript/JSX transform on a cache miss.
// Kept as a narrow seam so the actual transform binary/process is
// pluggable rather than hardcoded.
type Transformer interface {
	Transform(source, resolvedPath string) (jsSource string, err error)
}

type compiledModule struct {
	hash   string
	script *v8.UnboundScript
}

// moduleCache stores compiled modules keyed both by content hash (so two
// resolved paths with byte-identical source share one compilation) and by
// resolved path (so re-importing the same path is a pure cache hit without
// re-resolving). The static instance is shared across namespace-pool
// reuse; the per-evaluation instance is rebuilt on every dispose.
type moduleCache struct {
	mu        sync.RWMutex
	byHash    map[string]*compiledModule
	byPath    map[string]*compiledModule
	transform map[string]string // resolvedPath -> transformed JS source
}

func newModuleCache() *moduleCache {
	return &moduleCache{
		byHash:    make(map[string]*compiledModule),
		byPath:    make(map[string]*compiledModule),
		transform: make(map[string]string),
	}
}

func contentHash(source string) string {
	sum := blake2b.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// cjsWrap wraps source in a CommonJS-style function body so it can be
// compiled and run as a plain script via v8go's unbound-script API.
func cjsWrap(source string) string {
	return "(function(module, exports, require) {\n" + source + "\n})"
}

// Loader drives the resolve -> hash -> transform-cache -> compile pipeline
// for one Host. Linking (satisfying a module's require calls) happens at
// evaluation time in the daemon's require global (daemon/runtime.go),
// which calls Resolve recursively.
type Loader struct {
	iso       *v8.Isolate
	loader    ModuleLoader
	transform Transformer
	static    *moduleCache
	eval      *moduleCache
}

// NewLoader constructs a Loader bound to a Host's isolate and module
// caches.
func NewLoader(iso *v8.Isolate, loader ModuleLoader, transform Transformer, static, eval *moduleCache) *Loader {
	return &Loader{iso: iso, loader: loader, transform: transform, static: static, eval: eval}
}

// NewModuleLoader builds this host's module pipeline Loader over its two
// caches. The daemon constructs one per
// create-runtime when the client registered a moduleLoader callback.
func (h *Host) NewModuleLoader(ml ModuleLoader, tr Transformer) *Loader {
	return NewLoader(h.iso, ml, tr, h.staticModules, h.evalModules)
}

// Resolve resolves and compiles specifier relative to resolveDir,
// consulting both module caches and the transform cache before invoking
// the client loader and the transformer. It
// returns the compiled wrapper script and the resolved path it was
// compiled under.
func (l *Loader) Resolve(specifier, resolveDir string) (*v8.UnboundScript, string, error) {
	resolvedPath, err := l.loader.Resolve(specifier, resolveDir)
	if err != nil {
		return nil, "", api.NewError(api.KindScriptError, fmt.Sprintf("resolve %q from %q: %v", specifier, resolveDir, err))
	}

	if cm := l.lookupByPath(resolvedPath); cm != nil {
		return cm.script, resolvedPath, nil
	}

	source, isTS, err := l.loader.Load(resolvedPath)
	if err != nil {
		return nil, "", api.NewError(api.KindScriptError, fmt.Sprintf("load %q: %v", resolvedPath, err))
	}

	hash := contentHash(source)
	if cm := l.lookupByHash(hash); cm != nil {
		l.bindPath(resolvedPath, cm)
		return cm.script, resolvedPath, nil
	}

	jsSource := source
	if isTS {
		cached, ok := l.lookupTransform(resolvedPath)
		if ok {
			jsSource = cached
		} else {
			jsSource, err = l.transform.Transform(source, resolvedPath)
			if err != nil {
				return nil, "", api.NewError(api.KindScriptError, fmt.Sprintf("transform %q: %v", resolvedPath, err))
			}
			l.cacheTransform(resolvedPath, jsSource)
		}
	}

	script, err := l.iso.CompileUnboundScript(cjsWrap(jsSource), resolvedPath, v8.CompileOptions{})
	if err != nil {
		return nil, "", api.NewError(api.KindScriptError, fmt.Sprintf("compile %q: %v", resolvedPath, err))
	}

	cm := &compiledModule{hash: hash, script: script}
	l.cache(resolvedPath, cm)
	return script, resolvedPath, nil
}

func (l *Loader) lookupByPath(path string) *compiledModule {
	for _, c := range []*moduleCache{l.eval, l.static} {
		c.mu.RLock()
		cm, ok := c.byPath[path]
		c.mu.RUnlock()
		if ok {
			return cm
		}
	}
	return nil
}

func (l *Loader) lookupByHash(hash string) *compiledModule {
	for _, c := range []*moduleCache{l.eval, l.static} {
		c.mu.RLock()
		cm, ok := c.byHash[hash]
		c.mu.RUnlock()
		if ok {
			return cm
		}
	}
	return nil
}

func (l *Loader) lookupTransform(path string) (string, bool) {
	l.static.mu.RLock()
	s, ok := l.static.transform[path]
	l.static.mu.RUnlock()
	return s, ok
}

func (l *Loader) cacheTransform(path, js string) {
	l.static.mu.Lock()
	l.static.transform[path] = js
	l.static.mu.Unlock()
}

func (l *Loader) bindPath(path string, cm *compiledModule) {
	l.eval.mu.Lock()
	l.eval.byPath[path] = cm
	l.eval.mu.Unlock()
}

// cache registers cm in the per-evaluation cache and in the static cache,
// by both path and hash. The static path binding is what makes a namespace
// rehydration skip the client loader for an already-compiled module; a
// client that changes the content behind a path
// must dispose the namespace outright rather than rely on soft-delete.
func (l *Loader) cache(path string, cm *compiledModule) {
	l.eval.mu.Lock()
	l.eval.byPath[path] = cm
	l.eval.byHash[cm.hash] = cm
	l.eval.mu.Unlock()

	l.static.mu.Lock()
	l.static.byPath[path] = cm
	l.static.byHash[cm.hash] = cm
	l.static.mu.Unlock()
}
