// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package hilbox

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/ugorji/go/codec"
)

// cborHandle configures the binary map encoding shared by both ends of the
// protocol. Untyped maps decode as map[string]any and integers as int64.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.SignedInteger = true
	return h
}()

func marshal(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, cborHandle).Decode(v)
}

// A Param is a single named parameter of a call.
type Param struct {
	Name  string
	Value any
}

// Params is an ordered set of named call parameters. On the wire it is a map
// whose keys appear in the order of the slice.
type Params []Param

// Get returns the value of the first parameter with the given name, and
// reports whether it was found.
func (ps Params) Get(name string) (any, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// With returns a copy of ps with name set to value. An existing parameter
// keeps its position; otherwise the new parameter is appended.
func (ps Params) With(name string, value any) Params {
	out := make(Params, len(ps), len(ps)+1)
	copy(out, ps)
	for i, p := range out {
		if p.Name == name {
			out[i].Value = value
			return out
		}
	}
	return append(out, Param{Name: name, Value: value})
}

// Map returns the parameters as an unordered map. If a name occurs more than
// once, the last value wins.
func (ps Params) Map() map[string]any {
	m := make(map[string]any, len(ps))
	for _, p := range ps {
		m[p.Name] = p.Value
	}
	return m
}

// Decode decodes the parameters into v, which must be a pointer to a struct
// or a map. Struct fields are matched by name or by their codec tag.
func (ps Params) Decode(v any) error {
	data, err := marshal(ps.wire())
	if err != nil {
		return err
	}
	if err := unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding parameters: %w", err)
	}
	return nil
}

func (ps Params) wire() paramList {
	out := make(paramList, 0, 2*len(ps))
	for _, p := range ps {
		out = append(out, p.Name, p.Value)
	}
	return out
}

// paramList is the wire form of Params, alternating names and values.
// It encodes as a map and preserves the order of its entries.
type paramList []any

// MapBySlice implements the codec.MapBySlice marker interface.
func (paramList) MapBySlice() {}

func (pl paramList) params() (Params, error) {
	if len(pl)%2 != 0 {
		return nil, errors.New("odd parameter list")
	}
	out := make(Params, 0, len(pl)/2)
	for i := 0; i < len(pl); i += 2 {
		name, ok := pl[i].(string)
		if !ok {
			return nil, fmt.Errorf("parameter name %v is %T, not string", pl[i], pl[i])
		}
		out = append(out, Param{Name: name, Value: pl[i+1]})
	}
	return out, nil
}

// Request is the payload of an RPC request datagram.
type Request struct {
	Method string
	Params Params
}

type wireRequest struct {
	Method string    `codec:"m"`
	Params paramList `codec:"p"`
}

// Encode encodes the request in binary format, including the channel tag.
func (r Request) Encode() ([]byte, error) {
	data, err := marshal(wireRequest{Method: r.Method, Params: r.Params.wire()})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return append([]byte{byte(TagRPC)}, data...), nil
}

// Decode decodes the body of an RPC request datagram, excluding the tag.
func (r *Request) Decode(body []byte) error {
	var w wireRequest
	if err := unmarshal(body, &w); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	if w.Method == "" {
		return errors.New("invalid request: missing method name")
	}
	ps, err := w.Params.params()
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	r.Method, r.Params = w.Method, ps
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(Method=%q, Params=%v)", r.Method, r.Params)
}

// Response is the payload of an RPC reply datagram. Exactly one of Result
// and Error is meaningful: a non-empty Error means the call failed.
type Response struct {
	Result any
	Error  string
}

// Encode encodes the response in binary format, including the channel tag.
func (r Response) Encode() ([]byte, error) {
	var v map[string]any
	if r.Error != "" {
		v = map[string]any{"error": r.Error}
	} else {
		v = map[string]any{"result": r.Result}
	}
	data, err := marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return append([]byte{byte(TagRPC)}, data...), nil
}

// Decode decodes the body of an RPC reply datagram, excluding the tag.
func (r *Response) Decode(body []byte) error {
	var m map[string]any
	if err := unmarshal(body, &m); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	if e, ok := m["error"]; ok {
		msg, _ := e.(string)
		if msg == "" {
			msg = fmt.Sprint(e)
		}
		*r = Response{Error: msg}
		return nil
	}
	res, ok := m["result"]
	if !ok {
		return errors.New("invalid response: no result or error")
	}
	*r = Response{Result: res}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	if r.Error != "" {
		return fmt.Sprintf("Response(Error=%q)", r.Error)
	}
	return fmt.Sprintf("Response(Result=%v)", r.Result)
}
