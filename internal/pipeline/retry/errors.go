package retry

import "fmt"

// ConnectionError reports a failed connect or a broken stream transport.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that no data arrived within the receive window.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// DecodeError reports a malformed batch payload.
type DecodeError struct {
	BlockNumber uint64
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload at block %d: %v", e.BlockNumber, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HandlerError reports a failure inside loaded indexing logic for one block.
type HandlerError struct {
	BlockNumber uint64
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed at block %d: %v", e.BlockNumber, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PluginLoadError is fatal for the indexer that requested the artifact.
type PluginLoadError struct {
	Artifact string
	Err      error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("load plugin %q: %v", e.Artifact, e.Err)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

// StorageError is surfaced by the upsert engine.
type StorageError struct {
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage: %v", e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
