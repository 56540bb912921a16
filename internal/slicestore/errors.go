package slicestore

import "errors"

// ErrStorageUnavailable marks persistence-layer failures that are fatal to the
// active capture: the store cannot accept new writes, but everything already
// persisted remains recoverable. Callers must stop recording rather than
// continue and silently lose audio. Test with [errors.Is].
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrSessionBytesExceeded is returned by PutSlice when persisting the slice
// would push the session past its configured byte ceiling. It wraps
// [ErrStorageUnavailable] because the recorder must treat it the same way:
// stop capture, keep what is already on disk.
var ErrSessionBytesExceeded = errors.New("session byte ceiling exceeded")
