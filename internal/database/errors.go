package database

import (
	"errors"

	"github.com/repoautomator/prmirror/internal/mirror"
)

var (
	ErrNotFound = mirror.ErrNotFound
	// ErrUnsupportedDriver is returned by InitDB for unknown SQL drivers.
	ErrUnsupportedDriver = errors.New("unsupported database connection type")
)
