// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"reflect"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mitchellh/mapstructure"
)

// MethodCall binds an event name to a handler function plus the ordered list
// of JSON keys projected onto its parameters. Both the worker's per-state
// request handlers and the client's event handlers dispatch through it.
type MethodCall struct {
	Event  string
	Fields []string
	fn     reflect.Value
	params []reflect.Type
}

// NewMethodCall validates fn against fields: fn must be a func taking
// exactly len(fields) parameters. Panics on a malformed registration, which
// is a programming error caught at construction time.
func NewMethodCall(event string, fields []string, fn any) *MethodCall {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic("eventbus: handler for " + event + " is not a function")
	}
	if t.NumIn() != len(fields) {
		panic("eventbus: handler for " + event + " takes wrong parameter count")
	}
	params := make([]reflect.Type, t.NumIn())
	for i := range params {
		params[i] = t.In(i)
	}
	return &MethodCall{Event: event, Fields: fields, fn: v, params: params}
}

// Call projects data onto the handler's parameters by field name and invokes
// it. A missing field or a type mismatch drops the call with a warning and
// returns false; handlers never see partial argument lists.
func (m *MethodCall) Call(data map[string]any, logger log.Logger) bool {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	args := make([]reflect.Value, len(m.Fields))
	for i, field := range m.Fields {
		raw, ok := data[field]
		if !ok || raw == nil {
			_ = level.Warn(logger).Log("msg", "event missing field", "event", m.Event, "field", field)
			return false
		}
		arg, ok := coerce(raw, m.params[i])
		if !ok {
			_ = level.Warn(logger).Log(
				"msg", "event field type mismatch",
				"event", m.Event, "field", field,
				"got", reflect.TypeOf(raw).String(), "want", m.params[i].String(),
			)
			return false
		}
		args[i] = arg
	}
	m.fn.Call(args)
	return true
}

// coerce adapts one decoded JSON value to the parameter type. Direct
// assignment and numeric conversions are handled inline (JSON numbers arrive
// as float64); maps and slices go through mapstructure so handlers can take
// typed structs and []string parameters.
func coerce(raw any, want reflect.Type) (reflect.Value, bool) {
	v := reflect.ValueOf(raw)
	if v.Type() == want {
		return v, true
	}
	if v.Type().AssignableTo(want) {
		return v, true
	}
	if isNumeric(v.Kind()) && isNumeric(want.Kind()) {
		return v.Convert(want), true
	}

	out := reflect.New(want)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out.Interface(),
		TagName: "json",
	})
	if err != nil {
		return reflect.Value{}, false
	}
	if err := decoder.Decode(raw); err != nil {
		return reflect.Value{}, false
	}
	return out.Elem(), true
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Registry holds the MethodCalls of one handler object, keyed by event name.
type Registry struct {
	methods map[string]*MethodCall
}

func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*MethodCall)}
}

// Register adds a handler for event. Registering the same event twice on one
// registry is a programming error.
func (r *Registry) Register(event string, fields []string, fn any) {
	if _, dup := r.methods[event]; dup {
		panic("eventbus: " + event + " already registered")
	}
	r.methods[event] = NewMethodCall(event, fields, fn)
}

// Dispatch invokes the handler registered for event, if any. Returns whether
// a handler was found and ran with complete arguments.
func (r *Registry) Dispatch(event string, data map[string]any, logger log.Logger) bool {
	m := r.methods[event]
	if m == nil {
		return false
	}
	return m.Call(data, logger)
}
