package cmd

import "errors"

// Run failure classes. Every error returned by an export run wraps exactly
// one of these, so callers can branch with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrDataSource    = errors.New("data source error")
	ErrWrite         = errors.New("write error")
	ErrArchive       = errors.New("archive error")
	ErrHook          = errors.New("hook error")
)
