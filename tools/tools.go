//go:build tools

// Package tools lists the development tools the scanner relies on. They are
// run through `go run` or installed globally, so go.mod does not track them.
package tools

// Mock generation (invoked by `go generate ./internal/mocks`):
//
//	go run go.uber.org/mock/mockgen@v0.6.0
//
// Analyzer CLIs expected on PATH by the built-in analyzer set:
//
//	pip install bandit semgrep pip-audit pylint
