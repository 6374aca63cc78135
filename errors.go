// Error taxonomy for the storage engine.
//
// Errors raised by the engine itself wrap one of the five sentinel kinds
// below, so callers can use errors.Is to decide how to react without
// string-matching messages. Errors from the operating system while Open
// opens or stats the file, and errors returned by a caller's callback,
// are passed through with context added but without a sentinel. Errors that occur mid-descent
// additionally carry the block index that was being read or written and
// the name of the operation that failed, the way a corruption report
// needs to point at a specific place in the file.
package sectordb

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap one of these with TreeError to add context.
var (
	// ErrNotOpen is returned when an operation is attempted before Open
	// succeeds or after Close.
	ErrNotOpen = errors.New("sectordb: not open")

	// ErrBadParameter is returned for a wrong-sized key or an attempt to
	// change a fixed parameter (block size, key size) while open.
	ErrBadParameter = errors.New("sectordb: bad parameter")

	// ErrDeviceError is returned when the underlying block device fails
	// a read or write.
	ErrDeviceError = errors.New("sectordb: device error")

	// ErrCorruption is returned for a bad magic tag, an impossible block
	// pointer, a level mismatch, or a node that would overflow a block.
	ErrCorruption = errors.New("sectordb: corruption")

	// ErrParameterMismatch is returned by Open when an existing file's
	// blockSize, keySize, or contentIdentifier does not match the
	// caller's configured values. It is unrecoverable: the caller must
	// create a fresh file.
	ErrParameterMismatch = errors.New("sectordb: parameter mismatch")
)

// TreeError wraps a sentinel error kind with the operation name and, if
// known, the block index involved.
type TreeError struct {
	Op    string
	Block BlockIndex
	Err   error
}

func (e *TreeError) Error() string {
	if e.Block == NoBlock {
		return fmt.Sprintf("sectordb: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sectordb: %s: block %d: %v", e.Op, e.Block, e.Err)
}

func (e *TreeError) Unwrap() error { return e.Err }

// newErr builds a TreeError with no specific block.
func newErr(op string, kind error) error {
	return &TreeError{Op: op, Block: NoBlock, Err: kind}
}

// blockErr builds a TreeError pointing at a specific block.
func blockErr(op string, block BlockIndex, kind error) error {
	return &TreeError{Op: op, Block: block, Err: kind}
}
