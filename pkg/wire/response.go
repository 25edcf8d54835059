package wire

// ResponseCallback builds response payloads following the service-level
// response convention: every response payload begins with a 4-byte
// little-endian error code, zero for success. Request handlers on the
// server side of any protocol built on this wire format use it instead of
// hand-assembling that prefix at every call site.
type ResponseCallback struct{}

// Error builds a response payload carrying only a nonzero service-level
// error code.
func (ResponseCallback) Error(code int32) []byte {
	return AppendFixed32(nil, uint32(code))
}

// Success builds a response payload: a zero error code followed by rest,
// whatever data that operation returns on success.
func (ResponseCallback) Success(rest []byte) []byte {
	return append(AppendFixed32(nil, 0), rest...)
}
