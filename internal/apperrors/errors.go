// Package apperrors provides error handling for the bufferbloat validation
// server.
//
// It re-exports github.com/cockroachdb/errors, which gives:
//   - stack traces for debugging boot-time failures
//   - error wrapping with context
//   - hints that surface to operators without leaking internals
//
// Session- and request-scoped failures (transient send/read failure, probe
// timeout, rate-limit exceeded, client protocol violation) are contained
// at their call site and logged, never wrapped and propagated up through
// this package — apperrors is for boot-time and supervisor-level failures
// only.
package apperrors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint   = crdb.WithHint
	WithHintf  = crdb.WithHintf
	WithDetail = crdb.WithDetail
)

var (
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
)
