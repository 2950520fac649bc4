package swarmcache

import (
	"errors"
	"fmt"

	"github.com/anacrolix/swarmcache/cacheregistry"
	"github.com/anacrolix/swarmcache/descriptor"
	"github.com/anacrolix/swarmcache/resolver"
)

var (
	// A key or session that doesn't exist.
	ErrNotFound     = resolver.ErrNotFound
	ErrNotRooted    = cacheregistry.ErrNotRooted
	ErrOutsideCache = cacheregistry.ErrOutsideCache
	ErrPathNotExist = cacheregistry.ErrPathNotExist
	ErrInvalidName  = descriptor.ErrInvalidName
	// Publishing to a key that already resolves to different content. Use an update instead.
	ErrDuplicateKey = errors.New("key already published with different content")
	ErrClosed       = errors.New("orchestrator closed")
)

// DependencyError is a failure of the name resolver or transfer engine. These aren't retried.
type DependencyError struct {
	Dependency string
	Op         string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Dependency, e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

func IsDependencyError(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

func resolverError(op string, err error) error {
	return &DependencyError{Dependency: "resolver", Op: op, Err: err}
}

func engineError(op string, err error) error {
	return &DependencyError{Dependency: "engine", Op: op, Err: err}
}
