// File: internal/bridge/valueconv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// v8go exposes no generic "walk this JS value into a Go any" API, so
// argument/return values on the guest<->host leg of the bridge cross via a
// JSON.stringify/JSON.parse round trip rather than a field-by-field V8
// object walk. This is a deliberate, narrower application of the
// JSON-string convention, confined to the guest<->host leg; the client<->
// daemon wire stays on the structured wire.Value encoding.

package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"

	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/wire"
)

// v8ArgsToWire decodes every guest-supplied argument into a wire.Value.
func v8ArgsToWire(ctx *v8.Context, args []*v8.Value) ([]wire.Value, error) {
	out := make([]wire.Value, len(args))
	for i, a := range args {
		v, err := v8ToWire(ctx, a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// v8ToWire decodes one guest value. Primitives convert directly; anything
// else (objects, arrays) round-trips through JSON.
func v8ToWire(ctx *v8.Context, v *v8.Value) (wire.Value, error) {
	switch {
	case v == nil || v.IsNull() || v.IsUndefined():
		return wire.Null, nil
	case v.IsBoolean():
		return wire.Bool(v.Boolean()), nil
	case v.IsString():
		return wire.String(v.String()), nil
	case v.IsNumber():
		return wire.Float(v.Number()), nil
	}

	js, err := stringifyJSON(ctx, v)
	if err != nil {
		return wire.Value{}, api.NewError(api.KindUnmarshallableValue, err.Error())
	}
	var decoded any
	if err := json.Unmarshal([]byte(js), &decoded); err != nil {
		return wire.Value{}, api.NewError(api.KindUnmarshallableValue, err.Error())
	}
	return anyToWire(decoded), nil
}

func anyToWire(v any) wire.Value {
	switch t := v.(type) {
	case nil:
		return wire.Null
	case bool:
		return wire.Bool(t)
	case float64:
		return wire.Float(t)
	case string:
		return wire.String(t)
	case []any:
		seq := make([]wire.Value, len(t))
		for i, e := range t {
			seq[i] = anyToWire(e)
		}
		return wire.Seq(seq...)
	case map[string]any:
		m := make(map[string]wire.Value, len(t))
		for k, e := range t {
			m[k] = anyToWire(e)
		}
		return wire.Map(m)
	default:
		return wire.Null
	}
}

// wireToV8 encodes a wire.Value back into a guest value via JSON.parse,
// the mirror of v8ToWire. Ref sentinels render as the tagged
// {"__bridgeRef": ..., "id": ...} shape (wire.PromiseSentinel.MarshalJSON
// and friends) that the guest-side polyfill recognizes and rehydrates into
// a real Promise/AsyncIterator/callable.
func wireToV8(ctx *v8.Context, v wire.Value) (*v8.Value, error) {
	host := wire.DecodeToHost(v)
	data, err := json.Marshal(host)
	if err != nil {
		return nil, api.NewError(api.KindProtocolError, err.Error())
	}
	script := fmt.Sprintf("JSON.parse(%s)", strconv.Quote(string(data)))
	return ctx.RunScript(script, "<bridge-value>")
}

// DecodeJSON is the exported form of the guest->host JSON round trip, used
// by internal/dispatch and internal/fetchbridge to read plain-object guest
// values (request/response shapes) without depending on wire.Value.
func DecodeJSON(ctx *v8.Context, v *v8.Value) (any, error) {
	js, err := stringifyJSON(ctx, v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal([]byte(js), &decoded); err != nil {
		return nil, api.NewError(api.KindUnmarshallableValue, err.Error())
	}
	return decoded, nil
}

// EncodeJSON is the exported host->guest counterpart of DecodeJSON.
func EncodeJSON(ctx *v8.Context, v any) (*v8.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, api.NewError(api.KindProtocolError, err.Error())
	}
	script := fmt.Sprintf("JSON.parse(%s)", strconv.Quote(string(data)))
	return ctx.RunScript(script, "<bridge-json>")
}

// stringifyJSON calls the guest's JSON.stringify on v, used to decode any
// non-primitive guest value into the host's any-typed JSON tree.
func stringifyJSON(ctx *v8.Context, v *v8.Value) (string, error) {
	global := ctx.Global()
	jsonVal, err := global.Get("JSON")
	if err != nil {
		return "", err
	}
	jsonObj, err := jsonVal.AsObject()
	if err != nil {
		return "", err
	}
	stringifyVal, err := jsonObj.Get("stringify")
	if err != nil {
		return "", err
	}
	stringifyFn, err := stringifyVal.AsFunction()
	if err != nil {
		return "", err
	}
	result, err := stringifyFn.Call(jsonVal, v)
	if err != nil {
		return "", err
	}
	if result.IsUndefined() {
		return "null", nil
	}
	return result.String(), nil
}
