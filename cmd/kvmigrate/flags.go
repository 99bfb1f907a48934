package main

import (
	"fmt"
	"time"
)

// funcVar wraps a func(string) error to satisfy flag.Value, letting each
// flag run its own parsing logic inline at the call site, the same device
// the teacher's CLI uses for every one of its flags.
type funcVar func(s string) error

func (f funcVar) Set(s string) error { return f(s) }
func (f funcVar) String() string     { return "" }
func (f funcVar) IsBoolFlag() bool   { return false }

// funcBoolVar is the boolean-flag equivalent of funcVar.
type funcBoolVar func(b bool) error

func (f funcBoolVar) Set(s string) error {
	switch s {
	case "", "1", "true", "TRUE", "True":
		return f(true)
	default:
		return f(false)
	}
}
func (f funcBoolVar) String() string   { return "" }
func (f funcBoolVar) IsBoolFlag() bool { return true }

// funcIntVar is the integer-flag equivalent of funcVar.
type funcIntVar func(i int) error

func (f funcIntVar) Set(s string) error {
	var i int
	if _, err := fmt.Sscan(s, &i); err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return f(i)
}
func (f funcIntVar) String() string { return "" }

// funcDurationVar is the duration-flag equivalent of funcVar.
type funcDurationVar func(d time.Duration) error

func (f funcDurationVar) Set(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return f(d)
}
func (f funcDurationVar) String() string { return "" }
