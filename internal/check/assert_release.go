//go:build !debug

// Package check holds invariant assertions for programmer errors. They panic
// in binaries built with -tags debug and compile to nothing otherwise.
package check

func Assert(bool, string) {}

func Assertf(bool, string, ...any) {}
