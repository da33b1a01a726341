package dnode

import "errors"

var (
	ErrNotFound     = errors.New("object not found")
	ErrDeleted      = errors.New("object has been deleted")
	ErrExists       = errors.New("object already exists")
	ErrIO           = errors.New("i/o error")
	ErrNoMoreData   = errors.New("no allocated data past offset")
	ErrNotDirectory = errors.New("object is not a directory")
	ErrEntryMissing = errors.New("directory entry not found")
	ErrEntryExists  = errors.New("directory entry already exists")
	ErrReleased     = errors.New("object handle already released")
)
