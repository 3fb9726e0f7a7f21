// File: wire/value.go
// Package wire — cross-boundary value marshaller.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Value is the closed set of representable cross-boundary primitives:
// null, bool, i64, f64, string, byte-sequence, ordered sequences, string
// keyed maps, and the three Ref sentinels (promise/async-iterator/callback).
// Marshalling is total for representable Go values; a host value that
// cannot be represented (e.g. a raw net.Conn) fails with
// UnmarshallableValue *before* any id is allocated.

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/isod-run/isod/api"
)

// Tag identifies which branch of the Value union is populated.
type Tag uint8

const (
	TagNull Tag = iota
	TagBool
	TagInt
	TagFloat
	TagString
	TagBytes
	TagSeq
	TagMap
	TagPromiseRef
	TagIteratorRef
	TagCallbackRef
)

// Value is the wire-level encoding of any representable cross-boundary
// datum. Exactly one field is meaningful per Tag: a tagged struct avoids
// interface boxing on a hot path.
type Value struct {
	Tag   Tag
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Seq   []Value
	Map   map[string]Value

	// Ref fields, populated when Tag is one of the *Ref tags.
	PromiseID  uint64
	IteratorID uint64
	CallbackID uint64
}

// Null is the canonical null Value.
var Null = Value{Tag: TagNull}

func Bool(b bool) Value     { return Value{Tag: TagBool, Bool: b} }
func Int(i int64) Value     { return Value{Tag: TagInt, Int: i} }
func Float(f float64) Value { return Value{Tag: TagFloat, Float: f} }
func String(s string) Value { return Value{Tag: TagString, Str: s} }
func Bytes(b []byte) Value  { return Value{Tag: TagBytes, Bytes: b} }
func Seq(v ...Value) Value  { return Value{Tag: TagSeq, Seq: v} }
func Map(m map[string]Value) Value {
	return Value{Tag: TagMap, Map: m}
}

// PromiseRef/IteratorRef/CallbackRef construct the three Ref sentinels the
// guest side already knows how to await/iterate/invoke.
func PromiseRef(id uint64) Value  { return Value{Tag: TagPromiseRef, PromiseID: id} }
func IteratorRef(id uint64) Value { return Value{Tag: TagIteratorRef, IteratorID: id} }
func CallbackRef(id uint64) Value { return Value{Tag: TagCallbackRef, CallbackID: id} }

// RefAllocator is implemented by the owning isolate's registries. The marshaller calls back into
// it only when encoding a host value that is itself a function, promise,
// or iterator — never for plain data.
type RefAllocator interface {
	// AllocFunction registers fn and returns a daemon-local callable id.
	AllocFunction(fn func(args []Value) (Value, error)) uint64
	// AllocPromise registers a pending promise and returns its id.
	AllocPromise(p *PendingPromise) uint64
	// AllocIterator registers a live iterator and returns its id.
	AllocIterator(it AsyncIterator) uint64
}

// PendingPromise is the host-side handle for a promise that has not yet
// settled; bridge.Kernel resolves it from the isolate thread's microtask
// queue.
type PendingPromise struct {
	Done   chan struct{}
	Value  Value
	Err    *api.Error
	closed bool
}

// AsyncIterator is the host-side handle for a JS-visible async iterator
// returned by a host callback.
type AsyncIterator interface {
	// Next returns the next value, or ok=false at end of iteration.
	Next() (v Value, ok bool, err error)
	// Return is invoked on early termination (guest generator `return()`),
	// and must release any underlying host resource.
	Return() error
}

// EncodeHostValue converts an arbitrary host-side Go value into a Value,
// allocating a Ref via alloc when v is a function/promise/iterator. It is
// total over the representable set; non-representable values (also when
// nested inside a sequence or map) return KindUnmarshallableValue without
// calling alloc. A nil alloc only checks representability: refs then
// carry id 0.
func EncodeHostValue(v any, alloc RefAllocator) (Value, error) {
	if alloc != nil {
		if _, err := EncodeHostValue(v, nil); err != nil {
			return Value{}, err
		}
	}
	switch t := v.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case []any:
		seq := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := EncodeHostValue(e, alloc)
			if err != nil {
				return Value{}, err
			}
			seq = append(seq, ev)
		}
		return Seq(seq...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := EncodeHostValue(e, alloc)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Map(m), nil
	case func(args []Value) (Value, error):
		if alloc == nil {
			return CallbackRef(0), nil
		}
		return CallbackRef(alloc.AllocFunction(t)), nil
	case *PendingPromise:
		if alloc == nil {
			return PromiseRef(0), nil
		}
		return PromiseRef(alloc.AllocPromise(t)), nil
	case AsyncIterator:
		if alloc == nil {
			return IteratorRef(0), nil
		}
		return IteratorRef(alloc.AllocIterator(t)), nil
	default:
		return Value{}, api.NewError(api.KindUnmarshallableValue,
			fmt.Sprintf("value of type %T is not representable across the isolate boundary", v))
	}
}

// DecodeToHost converts a Value back into a plain Go value. Ref tags decode
// to sentinel structs the guest-side polyfill already knows to await,
// iterate, or invoke by id — the daemon never needs to resolve them here.
func DecodeToHost(v Value) any {
	switch v.Tag {
	case TagNull:
		return nil
	case TagBool:
		return v.Bool
	case TagInt:
		return v.Int
	case TagFloat:
		return v.Float
	case TagString:
		return v.Str
	case TagBytes:
		return v.Bytes
	case TagSeq:
		out := make([]any, len(v.Seq))
		for i, e := range v.Seq {
			out[i] = DecodeToHost(e)
		}
		return out
	case TagMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = DecodeToHost(e)
		}
		return out
	case TagPromiseRef:
		return PromiseSentinel{ID: v.PromiseID}
	case TagIteratorRef:
		return IteratorSentinel{ID: v.IteratorID}
	case TagCallbackRef:
		return CallbackSentinel{ID: v.CallbackID}
	default:
		return nil
	}
}

// PromiseSentinel/IteratorSentinel/CallbackSentinel are the decoded forms of
// the three Ref tags: opaque ids the receiving side already has glue code
// for.
type PromiseSentinel struct{ ID uint64 }
type IteratorSentinel struct{ ID uint64 }
type CallbackSentinel struct{ ID uint64 }

// MarshalJSON renders each sentinel as a tagged object so the guest<->host
// JSON bridge (internal/bridge) can recognize a ref crossing back into V8
// without a dedicated binary encoding on that leg of the boundary.
func (p PromiseSentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Ref string `json:"__bridgeRef"`
		ID  uint64 `json:"id"`
	}{"promise", p.ID})
}

func (it IteratorSentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Ref string `json:"__bridgeRef"`
		ID  uint64 `json:"id"`
	}{"iterator", it.ID})
}

func (c CallbackSentinel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Ref string `json:"__bridgeRef"`
		ID  uint64 `json:"id"`
	}{"callback", c.ID})
}

// IsDaemonLocal reports whether id belongs to the daemon-local
// returned-callable table rather than the client-callback table.
func IsDaemonLocal(id uint64) bool {
	return id >= api.DaemonLocalIDThreshold
}
