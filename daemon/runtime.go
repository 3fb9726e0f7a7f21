// File: daemon/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-isolate assembly: createRuntime admission through the namespace
// pool, client-callback registration, global installation (console/timers/
// crypto, serve, fetch, getDirectory, require), eval, and the HTTP
// dispatch path that streams response bodies back out over the
// credit-based stream protocol.

package daemon

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/google/uuid"
	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/bridge"
	"github.com/isod-run/isod/internal/dispatch"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/internal/streamio"
	"github.com/isod-run/isod/internal/vfs"
	"github.com/isod-run/isod/wire"
)

// runtimeState is everything one conn tracks per owned isolate beyond what
// the namespace pool itself holds.
type runtimeState struct {
	host        *isolate.Host
	kernel      *bridge.Kernel
	namespaceID string

	vfsRegistry *vfs.Registry
	vfsHandler  *vfs.FileSystemHandler

	loader *isolate.Loader
	// moduleExports caches instantiated module exports by resolved path for
	// the current evaluation; pre-registered before a module body runs so
	// cyclic requires observe the partial exports object, CJS-style. Only
	// ever touched on the isolate thread.
	moduleExports map[string]*v8.Value
	requireDirs   []string
}

func (rt *runtimeState) currentRequireDir() string {
	if n := len(rt.requireDirs); n > 0 {
		return rt.requireDirs[n-1]
	}
	return "/"
}

func (c *conn) handleCreateRuntime(ctx context.Context, payload []byte) ([]byte, *api.Error) {
	var req wire.CreateRuntimeReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}

	icfg := isolate.Config{
		MemoryLimitMB: req.MemoryLimitMB,
		CPU:           -1,
		NUMANode:      -1,
	}
	if icfg.MemoryLimitMB == 0 {
		icfg.MemoryLimitMB = c.d.cfg.MemoryLimitMB
	}

	var (
		host   *isolate.Host
		reused bool
		err    error
	)
	if req.NamespaceID != "" {
		host, reused, err = c.d.pool.Acquire(req.NamespaceID, c.id, icfg, uuid.NewString)
	} else {
		host, err = c.d.pool.AcquireUnnamespaced(c.id, icfg, uuid.NewString)
	}
	if err != nil {
		return nil, toAPIError(err)
	}

	// Idempotent re-bind from this very session: the runtime
	// is already assembled, return the current id without re-installing.
	c.mu.Lock()
	if _, ok := c.runtimes[host.ID]; ok && reused {
		c.mu.Unlock()
		return marshalResp(wire.CreateRuntimeResp{IsolateID: host.ID, Reused: true})
	}
	c.mu.Unlock()

	rt, apiErr := c.assembleRuntime(ctx, host, req)
	if apiErr != nil {
		_ = c.d.pool.Dispose(host.ID)
		return nil, apiErr
	}
	rt.namespaceID = req.NamespaceID

	c.mu.Lock()
	c.runtimes[host.ID] = rt
	c.mu.Unlock()
	c.d.metrics.Set("isolates_live", c.d.pool.Len())
	c.d.log.Info().Str("session_id", c.id).Str("isolate_id", host.ID).
		Str("namespace", req.NamespaceID).Bool("reused", reused).
		Msg("daemon: runtime created")

	return marshalResp(wire.CreateRuntimeResp{IsolateID: host.ID, Reused: reused})
}

// assembleRuntime registers the payload's callback table on host and
// installs every injected global on the isolate thread. Re-run in full on
// namespace rehydration, since the previously installed closures capture
// the prior session's kernel.
func (c *conn) assembleRuntime(ctx context.Context, host *isolate.Host, req wire.CreateRuntimeReq) (*runtimeState, *api.Error) {
	reg := req.Callbacks

	register := func(slot *wire.CallbackRegistration, name string) (uint64, *api.Error) {
		if slot == nil {
			return 0, nil
		}
		desc := isolate.CallbackDescriptor{Name: name, Kind: api.CallbackKind(slot.Kind)}
		if err := host.RegisterClientCallback(slot.CallbackID, desc); err != nil {
			return 0, toAPIError(err)
		}
		return slot.CallbackID, nil
	}

	consoleID, apiErr := register(reg.Console, "console")
	if apiErr != nil {
		return nil, apiErr
	}
	if _, apiErr = register(reg.Fetch, "fetch"); apiErr != nil {
		return nil, apiErr
	}
	moduleLoaderID, apiErr := register(reg.ModuleLoader, "moduleLoader")
	if apiErr != nil {
		return nil, apiErr
	}
	if _, apiErr = register(reg.Playwright, "playwright"); apiErr != nil {
		return nil, apiErr
	}
	if _, apiErr = register(reg.TestEnvironment, "testEnvironment"); apiErr != nil {
		return nil, apiErr
	}
	for name, custom := range reg.Custom {
		slot := custom
		if _, apiErr = register(&slot, name); apiErr != nil {
			return nil, apiErr
		}
	}

	var fsSet vfs.CallbackSet
	if reg.FS != nil {
		fsSlots := []struct {
			slot *wire.CallbackRegistration
			name string
			dst  *uint64
		}{
			{reg.FS.ReadFile, "fs.readFile", &fsSet.ReadFile},
			{reg.FS.WriteFile, "fs.writeFile", &fsSet.WriteFile},
			{reg.FS.Unlink, "fs.unlink", &fsSet.Unlink},
			{reg.FS.Readdir, "fs.readdir", &fsSet.Readdir},
			{reg.FS.Mkdir, "fs.mkdir", &fsSet.Mkdir},
			{reg.FS.Rmdir, "fs.rmdir", &fsSet.Rmdir},
			{reg.FS.Stat, "fs.stat", &fsSet.Stat},
			{reg.FS.Rename, "fs.rename", &fsSet.Rename},
		}
		for _, s := range fsSlots {
			id, apiErr := register(s.slot, s.name)
			if apiErr != nil {
				return nil, apiErr
			}
			*s.dst = id
		}
	}

	sink := &consoleRelay{
		conn:       c,
		isolateID:  host.ID,
		callbackID: consoleID,
	}
	rt := &runtimeState{
		host:          host,
		kernel:        bridge.NewKernel(host, c.sess, host.ID, sink),
		vfsRegistry:   vfs.NewRegistry(),
		moduleExports: make(map[string]*v8.Value),
	}
	if reg.FS != nil {
		rt.vfsHandler = vfs.NewFileSystemHandler(c.sess, host.ID, fsSet)
	}
	if moduleLoaderID != 0 {
		ml := &clientModuleLoader{conn: c, isolateID: host.ID, callbackID: moduleLoaderID}
		rt.loader = host.NewModuleLoader(ml, passthroughTransformer{})
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = "/"
	}
	rt.requireDirs = []string{cwd}

	errCh := make(chan error, 1)
	submitErr := host.Submit(func() {
		errCh <- c.installGlobals(rt)
	})
	if submitErr != nil {
		return nil, toAPIError(submitErr)
	}
	select {
	case err := <-errCh:
		if err != nil {
			return nil, toAPIError(err)
		}
	case <-ctx.Done():
		return nil, api.ErrRequestTimeout
	}
	return rt, nil
}

// installGlobals runs on the isolate thread.
func (c *conn) installGlobals(rt *runtimeState) error {
	v8ctx := rt.host.Context()
	if err := rt.kernel.InstallBaseline(v8ctx); err != nil {
		return err
	}
	if err := c.disp.InstallServe(v8ctx, rt.host); err != nil {
		return err
	}
	if id, ok := rt.host.CallbackIDByName("fetch"); ok {
		if err := c.fetch.Install(v8ctx, rt.host, rt.host.ID, id); err != nil {
			return err
		}
	}
	// getDirectory is installed unconditionally; without fs callbacks it
	// rejects with NotFoundError (see vfs.Installer).
	if err := vfs.NewInstaller(rt.host, rt.vfsRegistry, rt.vfsHandler).Install(v8ctx); err != nil {
		return err
	}
	if rt.loader != nil {
		if err := installRequire(v8ctx, rt); err != nil {
			return err
		}
	}
	return nil
}

// consoleRelay forwards guest console output to the daemon log and, when
// the client registered a console callback, echoes it out as a callback
// invocation so the client can surface it to its user.
type consoleRelay struct {
	conn       *conn
	isolateID  string
	callbackID uint64
}

func (s *consoleRelay) Console(level, message string) {
	s.conn.d.log.Debug().Str("isolate_id", s.isolateID).Str("level", level).Msg(message)
	if s.callbackID == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = s.conn.sess.InvokeClientCallback(ctx, s.isolateID, s.callbackID,
			[]wire.Value{wire.String(level), wire.String(message)})
	}()
}

// clientModuleLoader satisfies isolate.ModuleLoader over the client's
// registered moduleLoader callback. Module resolution is the one place the
// isolate thread deliberately awaits a client reply inline: the load
// pipeline runs during eval, before control returns to the evaluating
// client, so there is no guest promise to suspend instead.
type clientModuleLoader struct {
	conn       *conn
	isolateID  string
	callbackID uint64
}

func (m *clientModuleLoader) invoke(args ...wire.Value) (*wire.Value, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.conn.sess.InvokeClientCallback(ctx, m.isolateID, m.callbackID, args)
}

func (m *clientModuleLoader) Resolve(specifier, resolveDir string) (string, error) {
	v, err := m.invoke(wire.String("resolve"), wire.String(specifier), wire.String(resolveDir))
	if err != nil {
		return "", err
	}
	if v == nil || v.Tag != wire.TagString {
		return "", api.NewError(api.KindProtocolError, "moduleLoader resolve returned a non-string path")
	}
	return v.Str, nil
}

func (m *clientModuleLoader) Load(resolvedPath string) (string, bool, error) {
	v, err := m.invoke(wire.String("load"), wire.String(resolvedPath))
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, api.NewError(api.KindProtocolError, "moduleLoader load returned nothing")
	}
	switch v.Tag {
	case wire.TagString:
		return v.Str, false, nil
	case wire.TagMap:
		decoded, _ := wire.DecodeToHost(*v).(map[string]any)
		source, _ := decoded["source"].(string)
		isTS, _ := decoded["isTypeScript"].(bool)
		return source, isTS, nil
	default:
		return "", false, api.NewError(api.KindProtocolError, "moduleLoader load returned an unexpected shape")
	}
}

// passthroughTransformer stands in for the external TypeScript/JSX
// transform: clients ship
// already-transformed source through moduleLoader, so a TS-flagged load
// passes through unchanged rather than failing.
type passthroughTransformer struct{}

func (passthroughTransformer) Transform(source, _ string) (string, error) { return source, nil }

// installRequire wires a CommonJS-style require(specifier) global over
// rt.loader. Runs on the isolate thread; so do the require calls guest
// code later makes.
func installRequire(v8ctx *v8.Context, rt *runtimeState) error {
	iso := v8ctx.Isolate()
	var requireVal *v8.Value

	tmpl := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 || !args[0].IsString() {
			return v8.Undefined(iso)
		}
		specifier := args[0].String()
		v, err := requireModule(info.Context(), rt, requireVal, specifier)
		if err != nil {
			errVal, verr := v8.NewValue(iso, err.Error())
			if verr != nil {
				return v8.Undefined(iso)
			}
			return iso.ThrowException(errVal)
		}
		return v
	})
	fn := tmpl.GetFunction(v8ctx)
	requireVal = fn.Value
	return v8ctx.Global().Set("require", fn)
}

// requireModule resolves, compiles, and evaluates specifier, caching the
// exports object by resolved path. The exports object is registered before
// the module body runs so require cycles observe partial exports.
func requireModule(v8ctx *v8.Context, rt *runtimeState, requireVal *v8.Value, specifier string) (*v8.Value, error) {
	script, resolvedPath, err := rt.loader.Resolve(specifier, rt.currentRequireDir())
	if err != nil {
		return nil, err
	}
	if cached, ok := rt.moduleExports[resolvedPath]; ok {
		return cached, nil
	}

	iso := v8ctx.Isolate()
	moduleObj, err := v8.NewObjectTemplate(iso).NewInstance(v8ctx)
	if err != nil {
		return nil, err
	}
	exportsObj, err := v8.NewObjectTemplate(iso).NewInstance(v8ctx)
	if err != nil {
		return nil, err
	}
	if err := moduleObj.Set("exports", exportsObj); err != nil {
		return nil, err
	}
	rt.moduleExports[resolvedPath] = exportsObj.Value

	wrapper, err := script.Run(v8ctx)
	if err != nil {
		delete(rt.moduleExports, resolvedPath)
		return nil, err
	}
	wrapperFn, err := wrapper.AsFunction()
	if err != nil {
		delete(rt.moduleExports, resolvedPath)
		return nil, err
	}

	rt.requireDirs = append(rt.requireDirs, path.Dir(resolvedPath))
	_, callErr := wrapperFn.Call(v8.Undefined(iso), moduleObj, exportsObj, requireVal)
	rt.requireDirs = rt.requireDirs[:len(rt.requireDirs)-1]
	if callErr != nil {
		delete(rt.moduleExports, resolvedPath)
		return nil, callErr
	}

	// module.exports may have been reassigned wholesale.
	final, err := moduleObj.Get("exports")
	if err != nil {
		return exportsObj.Value, nil
	}
	rt.moduleExports[resolvedPath] = final
	return final, nil
}

func (c *conn) handleEval(ctx context.Context, payload []byte) ([]byte, *api.Error) {
	var req wire.EvalReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	rt, apiErr := c.runtime(req.IsolateID)
	if apiErr != nil {
		return nil, apiErr
	}

	filename := req.Filename
	if filename == "" {
		filename = "<eval>"
	}

	ch := make(chan api.Result[[]byte], 1)
	submitErr := rt.host.Submit(func() {
		v, err := rt.host.RunScript(req.Code, filename)
		if err != nil {
			ch <- api.Result[[]byte]{Err: err}
			return
		}
		if v == nil || v.IsUndefined() || v.IsNull() {
			ch <- api.Result[[]byte]{}
			return
		}
		decoded, derr := bridge.DecodeJSON(rt.host.Context(), v)
		if derr != nil {
			ch <- api.Result[[]byte]{}
			return
		}
		raw, merr := json.Marshal(decoded)
		if merr != nil {
			ch <- api.Result[[]byte]{}
			return
		}
		ch <- api.Result[[]byte]{Value: raw}
	})
	if submitErr != nil {
		return nil, toAPIError(submitErr)
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			apiErr := toAPIError(out.Err)
			if apiErr.Kind == api.KindIsolateMemoryLimit {
				c.disposeFatal(req.IsolateID, rt)
			}
			return nil, apiErr
		}
		return marshalResp(wire.EvalResp{Result: out.Value})
	case <-ctx.Done():
		return nil, api.ErrRequestTimeout
	}
}

func (c *conn) handleDispatchRequest(ctx context.Context, payload []byte) ([]byte, *api.Error) {
	var req wire.DispatchRequestReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	rt, apiErr := c.runtime(req.IsolateID)
	if apiErr != nil {
		return nil, apiErr
	}

	var recv *streamio.BodyReceiver
	if req.BodyStreamID != 0 {
		recv = c.mux.RegisterUploadReceiver(req.BodyStreamID)
	}

	reqPayload := dispatch.RequestPayload{
		Method:       req.Method,
		URL:          req.URL,
		Headers:      req.Headers,
		Body:         req.Body,
		BodyStreamID: req.BodyStreamID,
	}
	out, body, err := dispatch.DispatchRequest(rt.host, c.disp.ServeRegistration(req.IsolateID), reqPayload, recv)
	if err != nil {
		apiErr := toAPIError(err)
		if apiErr.Kind == api.KindIsolateMemoryLimit {
			c.disposeFatal(req.IsolateID, rt)
		}
		return nil, apiErr
	}
	c.d.metrics.Set("requests_dispatched_at", time.Now().UnixMilli())

	resp := wire.DispatchRequestResp{
		Status:     out.Status,
		StatusText: out.StatusText,
		Headers:    out.Headers,
	}

	// Non-empty bodies always stream so guest chunk boundaries survive.
	if len(body) > 0 {
		sender := c.mux.NewResponseSender(map[string]any{"status": out.Status})
		resp.BodyStreamID = sender.StreamID()
		pump := body
		if err := c.d.exec.Submit(func() {
			if werr := sender.Write(pump); werr != nil {
				_ = sender.Abort(werr.Error())
				return
			}
			_ = sender.End()
		}); err != nil {
			_ = sender.Abort(err.Error())
			return nil, toAPIError(err)
		}
	}
	return marshalResp(resp)
}

func (c *conn) handleGetDirectory(payload []byte) ([]byte, *api.Error) {
	var req wire.GetDirectoryReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	rt, apiErr := c.runtime(req.IsolateID)
	if apiErr != nil {
		return nil, apiErr
	}
	if rt.vfsHandler == nil {
		return nil, api.NewError(api.KindProtocolError, "no fs callbacks registered for this isolate")
	}
	h := rt.vfsRegistry.Alloc(vfs.KindDirectory, req.Mount, "/", rt.vfsHandler)
	return marshalResp(wire.GetDirectoryResp{HandleID: h.ID})
}
