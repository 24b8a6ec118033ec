// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the hilbox.Handler type for functions
// with other signatures.
//
// Parameters are decoded from the named call parameters into a value of type
// P, typically a struct whose fields carry codec tags naming the parameters:
//
//	type addParams struct {
//	   A int `codec:"a"`
//	   B int `codec:"b"`
//	}
//
// If P is hilbox.Params, the parameters are passed through unchanged.
// Results may be any value the binary map encoding supports.
package handler

import (
	"context"

	"github.com/creachadair/hilbox"
)

// paramsContextKey is a context key for the parameters passed to a handler.
type paramsContextKey struct{}

// ContextParams returns the original parameters passed to the handler, or nil
// if ctx has no associated parameters. The context passed to a handler
// returned by this package will have this value.
func ContextParams(ctx context.Context) hilbox.Params {
	if v := ctx.Value(paramsContextKey{}); v != nil {
		return v.(hilbox.Params)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a hilbox.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) hilbox.Handler {
	return func(ctx context.Context, params hilbox.Params) (any, error) {
		var p P
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, paramsContextKey{}, params), p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a hilbox.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) hilbox.Handler {
	return func(ctx context.Context, params hilbox.Params) (any, error) {
		var p P
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, paramsContextKey{}, params), p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a hilbox.Handler. A successful call has a nil
// result.
func ParamError[P any](f func(context.Context, P) error) hilbox.Handler {
	return func(ctx context.Context, params hilbox.Params) (any, error) {
		var p P
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, paramsContextKey{}, params), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a hilbox.Handler.
func ResultError[R any](f func(context.Context) (R, error)) hilbox.Handler {
	return func(ctx context.Context, params hilbox.Params) (any, error) {
		r, err := f(context.WithValue(ctx, paramsContextKey{}, params))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a hilbox.Handler.
func ResultOnly[R any](f func(context.Context) R) hilbox.Handler {
	return func(ctx context.Context, params hilbox.Params) (any, error) {
		return f(context.WithValue(ctx, paramsContextKey{}, params)), nil
	}
}

// decode decodes params into v, which must be a pointer.
func decode(params hilbox.Params, v any) error {
	if p, ok := v.(*hilbox.Params); ok {
		*p = params
		return nil
	}
	return params.Decode(v)
}
