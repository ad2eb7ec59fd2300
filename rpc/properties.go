package rpc

// Reserved MQTT 5 user property keys used by the wire protocol between
// invoker and executor. Invoke rejects caller-supplied user properties
// that use the "__" prefix; the executor strips and logs every
// "__"-prefixed key of a request, the invoker's own protocol keys
// included, before handing the user properties to the application.
const (
	PropStatus          = "__stat"
	PropStatusMessage   = "__stMsg"
	PropAppError        = "__appErr"
	PropInvalidPropName = "__invPropName"
	PropInvalidPropVal  = "__invPropVal"
	PropSourceID        = "__srcId"
	PropTimestamp       = "__ts"
	PropProtocolVersion = "__protVer"
	PropSupportedMajors = "__supProtMajVer"
	PropRequestedVer    = "__reqProtVer"
	PropPartition       = "$partition"
)

// ReservedPrefix marks every wire-protocol-owned user property key.
const ReservedPrefix = "__"

// WireProtocolVersion is the "__protVer" value this implementation sends
// and the only major version it accepts from a peer.
const WireProtocolVersion = "1.0"

// SupportedMajorVersion is the major version component of
// WireProtocolVersion, echoed in "__supProtMajVer" on a 505 response.
const SupportedMajorVersion = "1"

// Status codes carried in "__stat", modeled on the HTTP status codes
// they were borrowed from.
const (
	StatusOK                  = 200
	StatusNoContent           = 204
	StatusBadRequest          = 400
	StatusRequestTimeout      = 408
	StatusUnsupportedMedia    = 415
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusVersionNotSupported = 505
)
