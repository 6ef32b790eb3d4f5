package common

const (
	// message statuses:
	PendingStatus    = "pending"
	ProcessingStatus = "processing"
	CompletedStatus  = "completed"
	FailedStatus     = "failed"

	// OS:
	WindowsOS = "windows"
	LinuxOS   = "linux"
	MacOS     = "darwin"

	// store backends:
	SQLiteBackend = "sqlite"
	RedisBackend  = "redis"
)

var (
	SupportedBackends = map[string]bool{
		SQLiteBackend: true,
		RedisBackend:  true,
	}
)
