package limiter

// Operation types
const (
	TypeLogin         OperationType = "login"
	TypeSignup        OperationType = "signup"
	TypeAPI           OperationType = "api"
	TypePasswordReset OperationType = "passwordReset"
	TypeUpload        OperationType = "upload"
)

// Algorithms
const (
	AlgorithmSlidingWindow Algorithm = "sliding-window"
	AlgorithmTokenBucket   Algorithm = "token-bucket"
	AlgorithmFixedWindow   Algorithm = "fixed-window"
)

// Identifier kinds
const (
	KindEmail  Kind = "email"
	KindIP     Kind = "ip"
	KindUserID Kind = "userId"
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQL    = "sql"
)

// Failure policies applied when the counter store cannot be reached.
const (
	FailOpen   FailurePolicy = "fail-open"
	FailClosed FailurePolicy = "fail-closed"
)

// keyPrefix namespaces every record the engine writes.
const keyPrefix = "throttle"
