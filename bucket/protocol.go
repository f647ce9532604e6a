package bucket

// Wire methods exchanged between client and server.
const (
	methodSet    = "set"
	methodBigSet = "big-set"
	methodGet    = "get"
	methodDelete = "delete"

	ackOK = "ok"
)

// SmallPayloadThreshold is the boundary below which Set sends the payload
// inline with the request frame, and Get replies with the payload inline
// with the response frame. At or above it, both sides negotiate a declared
// size and transfer the body as a second, unframed phase.
const SmallPayloadThreshold = 2048

// DefaultTimeoutSeconds is the per-request timeout, in seconds, used when a
// caller does not specify one, matching the original client's 5-minute default.
const DefaultTimeoutSeconds = 60 * 5
