package archive

import "errors"

var (
	// ErrRemoteFetchFailed wraps failures of the remote chat source. Retry on a later sweep.
	ErrRemoteFetchFailed = errors.New("remote fetch failed")
	// ErrCannotLock reports a contended chat lock. Back off and retry.
	ErrCannotLock = errors.New("cannot lock chat")
	// ErrContainerMissing means the chat was never fully retrieved.
	ErrContainerMissing = errors.New("chat container missing")
	// ErrIndexCorrupt marks an unreadable index entry. Callers treat the entry as absent.
	ErrIndexCorrupt = errors.New("index entry corrupt")
	// ErrVersionRegression rejects a commit that would lower a chat's VersionKey.
	ErrVersionRegression = errors.New("version key regression")
)
