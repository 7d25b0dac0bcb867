package pipeline

import "errors"

// Failures surfaced to the caller as structured rejections. Allocation,
// oversize and scan failures live with the components that raise them
// (pkg/storage, pkg/scanner).
var (
	ErrNoFilesSubmitted   = errors.New("pipeline: no files submitted")
	ErrEmptyFileRejected  = errors.New("pipeline: empty files are not allowed")
	ErrBlockedExtension   = errors.New("pipeline: file extension not allowed")
	ErrNotAuthorized      = errors.New("pipeline: not authorized")
	ErrRecordNotFound     = errors.New("pipeline: record not found")
	ErrAlbumNotFound      = errors.New("pipeline: album not found or not owned by user")
	ErrPersistenceFailure = errors.New("pipeline: metadata persistence failed")
	ErrFilesystemFailure  = errors.New("pipeline: filesystem operation failed")
)
