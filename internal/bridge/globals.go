// File: internal/bridge/globals.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Baseline guest globals every isolate gets regardless of which client
// callbacks it registered: console, timers, and crypto. fetch, serve, and the
// FileSystemAccess surface are installed separately by internal/fetchbridge,
// internal/dispatch, and internal/vfs respectively, since each needs its own
// callback-kind wiring beyond what Kernel provides here.

package bridge

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	v8 "rogchap.com/v8go"
)

// InstallBaseline wires console/timers/crypto into ctx's global object.
func (k *Kernel) InstallBaseline(ctx *v8.Context) error {
	if err := k.installConsole(ctx); err != nil {
		return err
	}
	if err := k.installTimers(ctx); err != nil {
		return err
	}
	return k.installCrypto(ctx)
}

func (k *Kernel) installConsole(ctx *v8.Context) error {
	iso := ctx.Isolate()
	obj := v8.NewObjectTemplate(iso)
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		lvl := level
		fn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			k.handleConsole(lvl, info)
			return nil
		})
		if err := obj.Set(level, fn); err != nil {
			return err
		}
	}
	inst, err := obj.NewInstance(ctx)
	if err != nil {
		return err
	}
	return ctx.Global().Set("console", inst)
}

func (k *Kernel) handleConsole(level string, info *v8.FunctionCallbackInfo) {
	if k.console == nil {
		return
	}
	args := info.Args()
	parts := make([]string, len(args))
	for i, a := range args {
		if a.IsString() {
			parts[i] = a.String()
			continue
		}
		js, err := stringifyJSON(info.Context(), a)
		if err != nil {
			parts[i] = a.String()
			continue
		}
		parts[i] = js
	}
	k.console.Console(level, strings.Join(parts, " "))
}

// timerEntry tracks one live setTimeout/setInterval registration so
// ClearAllTimers can stop every
// outstanding timer for an isolate in one pass.
type timerEntry struct {
	cancel    func() bool
	repeating bool
}

func (k *Kernel) installTimers(ctx *v8.Context) error {
	iso := ctx.Isolate()
	g := ctx.Global()

	setFn := func(repeating bool) *v8.FunctionTemplate {
		return v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			return k.setTimer(info, repeating)
		})
	}
	clearFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		k.clearTimer(info)
		return nil
	})

	for name, tmpl := range map[string]*v8.FunctionTemplate{
		"setTimeout":   setFn(false),
		"setInterval":  setFn(true),
		"clearTimeout": clearFn,
		"clearInterval": clearFn,
	} {
		fn, err := tmpl.GetFunction(ctx)
		if err != nil {
			return err
		}
		if err := g.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) setTimer(info *v8.FunctionCallbackInfo, repeating bool) *v8.Value {
	iso := info.Context().Isolate()
	args := info.Args()
	if len(args) == 0 || !args[0].IsFunction() {
		v, _ := v8.NewValue(iso, int32(0))
		return v
	}
	cb, err := args[0].AsFunction()
	if err != nil {
		v, _ := v8.NewValue(iso, int32(0))
		return v
	}
	var delayMS int64
	if len(args) > 1 {
		delayMS = args[1].Integer()
	}
	delay := time.Duration(delayMS) * time.Millisecond

	k.mu.Lock()
	k.nextTimerID++
	id := k.nextTimerID
	k.mu.Unlock()

	var fire func()
	fire = func() {
		_ = k.ResolveOnIsolateThread(func() {
			_, _ = cb.Call(v8.Undefined(iso))
		})
		k.mu.Lock()
		defer k.mu.Unlock()
		if _, live := k.timers[id]; !live {
			return
		}
		if repeating {
			t := time.AfterFunc(delay, fire)
			k.timers[id] = &timerEntry{cancel: t.Stop, repeating: true}
		} else {
			delete(k.timers, id)
		}
	}

	t := time.AfterFunc(delay, fire)
	k.mu.Lock()
	k.timers[id] = &timerEntry{cancel: t.Stop, repeating: repeating}
	k.mu.Unlock()

	v, _ := v8.NewValue(iso, float64(id))
	return v
}

func (k *Kernel) clearTimer(info *v8.FunctionCallbackInfo) {
	args := info.Args()
	if len(args) == 0 {
		return
	}
	id := uint64(args[0].Integer())
	k.mu.Lock()
	if e, ok := k.timers[id]; ok {
		e.cancel()
		delete(k.timers, id)
	}
	k.mu.Unlock()
}

// ClearAllTimers stops every pending timer registered by this isolate,
// called when the owning Host is soft-deleted or hard-disposed.
func (k *Kernel) ClearAllTimers() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, e := range k.timers {
		e.cancel()
		delete(k.timers, id)
	}
}

func (k *Kernel) installCrypto(ctx *v8.Context) error {
	iso := ctx.Isolate()
	obj := v8.NewObjectTemplate(iso)

	getRandomValues := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		n := 16
		args := info.Args()
		if len(args) > 0 {
			if length, err := args[0].AsObject(); err == nil {
				if lv, err := length.Get("length"); err == nil {
					n = int(lv.Integer())
				}
			}
		}
		buf := make([]byte, n)
		_, _ = rand.Read(buf)
		out := make([]any, n)
		for i, b := range buf {
			out[i] = float64(b)
		}
		v, err := wireToV8(info.Context(), anyToWire(out))
		if err != nil {
			return v8.Undefined(iso)
		}
		return v
	})
	randomUUID := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v, _ := v8.NewValue(iso, uuid.NewString())
		return v
	})

	if err := obj.Set("getRandomValues", getRandomValues); err != nil {
		return err
	}
	if err := obj.Set("randomUUID", randomUUID); err != nil {
		return err
	}
	inst, err := obj.NewInstance(ctx)
	if err != nil {
		return err
	}
	return ctx.Global().Set("crypto", inst)
}
