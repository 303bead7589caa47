package internal

// DelegateWriteStreamInfo is a callback function type to report the number of bytes read or written per cycle
type DelegateWriteStreamInfo func(writeBytes int64)

// DelegateUpdateAssetComplete is a callback function type to report when a file has finished updating, successfully or not
type DelegateUpdateAssetComplete func(outcome UpdateOutcome)
