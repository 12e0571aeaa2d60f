package tree

import "errors"

// Validation failures. All of them are returned before any request is sent.
var (
	ErrEmptyName          = errors.New("name is empty")
	ErrIllegalName        = errors.New("name contains an illegal character")
	ErrCannotHaveChildren = errors.New("overrides cannot have children")
	ErrRootImmutable      = errors.New("environment roots cannot be moved or deleted")
	ErrSameEnvironment    = errors.New("key is already in that environment")
	ErrInvalidNode        = errors.New("node does not address a key")
	ErrStaleHandle        = errors.New("node has been discarded")
	ErrNotFound           = errors.New("key not found")
)

// illegalNameChars would corrupt the path encoding of a key.
const illegalNameChars = "/'\"\t\r\n"
