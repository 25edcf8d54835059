package coord

import (
	"github.com/ridgewayio/commcore/pkg/wire"
)

// EncodeHandshake builds the HANDSHAKE request payload: i64 session_id
// (0 on first contact), vstr executable_name.
func EncodeHandshake(sessionID uint64, exeName string) []byte {
	buf := wire.AppendFixed64(nil, sessionID)
	return wire.AppendString(buf, exeName)
}

// DecodeHandshakeResponse reads the service-level error code prefix and,
// on success, the assigned session_id.
func DecodeHandshakeResponse(payload []byte) (sessionID uint64, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		sessionID = r.Uint64()
	}
	return sessionID, errCode, r.Complete()
}

// EncodeKeepalive builds the client->coord KEEPALIVE datagram payload:
// i64 session_id, i64 last_delivered_event_id, bool destroy_session.
func EncodeKeepalive(sessionID uint64, lastDeliveredEventID uint64, destroySession bool) []byte {
	buf := wire.AppendFixed64(nil, sessionID)
	buf = wire.AppendFixed64(buf, lastDeliveredEventID)
	return wire.AppendBool(buf, destroySession)
}

// Notification is one pending event delivered in a keep-alive response.
type Notification struct {
	Handle    uint64
	Mask      EventMask
	Name      string
	AttrValue []byte
}

// KeepaliveResponse is the decoded coord->client KEEPALIVE datagram: i64
// session_id, i32 error, i32 notification_count, followed by
// notification_count records of {i64 handle, event_encoding}.
type KeepaliveResponse struct {
	SessionID     uint64
	ErrCode       int32
	Notifications []Notification
}

func DecodeKeepaliveResponse(payload []byte) (KeepaliveResponse, error) {
	r := wire.NewReader(payload)
	resp := KeepaliveResponse{}
	resp.SessionID = r.Uint64()
	resp.ErrCode = r.Int32()
	count := r.Int32()
	for i := int32(0); i < count && r.Err() == nil; i++ {
		n := Notification{}
		n.Handle = r.Uint64()
		n.Mask = EventMask(r.Uint32())
		n.Name = r.String()
		n.AttrValue = r.Bytes()
		resp.Notifications = append(resp.Notifications, n)
	}
	return resp, r.Complete()
}

// EncodeOpen builds the OPEN request payload: vstr name, u32 flags, u32
// event_mask.
func EncodeOpen(name string, flags OpenFlags, mask EventMask) []byte {
	buf := wire.AppendString(nil, name)
	buf = wire.AppendFixed32(buf, uint32(flags))
	return wire.AppendFixed32(buf, uint32(mask))
}

func DecodeOpenResponse(payload []byte) (handle uint64, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		handle = r.Uint64()
	}
	return handle, errCode, r.Complete()
}

// EncodeClose builds the CLOSE request payload: i64 handle.
func EncodeClose(handle uint64) []byte { return wire.AppendFixed64(nil, handle) }

// EncodeMkdir builds the MKDIR request payload: vstr name, bool
// create_intermediate.
func EncodeMkdir(name string, createIntermediate bool) []byte {
	buf := wire.AppendString(nil, name)
	return wire.AppendBool(buf, createIntermediate)
}

// EncodeDelete builds the DELETE request payload: vstr name.
func EncodeDelete(name string) []byte { return wire.AppendString(nil, name) }

// EncodeExists builds the EXISTS request payload: vstr name.
func EncodeExists(name string) []byte { return wire.AppendString(nil, name) }

func DecodeExistsResponse(payload []byte) (exists bool, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		exists = r.Bool()
	}
	return exists, errCode, r.Complete()
}

// EncodeAttrSet builds the ATTRSET request payload: i64 handle, vstr
// attr, bytes value.
func EncodeAttrSet(handle uint64, attr string, value []byte) []byte {
	buf := wire.AppendFixed64(nil, handle)
	buf = wire.AppendString(buf, attr)
	return wire.AppendBytes(buf, value)
}

// EncodeAttrGet builds the ATTRGET request payload: i64 handle, vstr attr.
func EncodeAttrGet(handle uint64, attr string) []byte {
	buf := wire.AppendFixed64(nil, handle)
	return wire.AppendString(buf, attr)
}

func DecodeAttrGetResponse(payload []byte) (value []byte, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		value = r.Bytes()
	}
	return value, errCode, r.Complete()
}

// EncodeAttrDel builds the ATTRDEL request payload: i64 handle, vstr attr.
func EncodeAttrDel(handle uint64, attr string) []byte {
	buf := wire.AppendFixed64(nil, handle)
	return wire.AppendString(buf, attr)
}

// EncodeAttrExists builds the ATTREXISTS request payload: i64 handle,
// vstr attr.
func EncodeAttrExists(handle uint64, attr string) []byte {
	buf := wire.AppendFixed64(nil, handle)
	return wire.AppendString(buf, attr)
}

func DecodeAttrExistsResponse(payload []byte) (exists bool, errCode int32, err error) {
	return DecodeExistsResponse(payload)
}

// EncodeAttrList builds the ATTRLIST request payload: i64 handle.
func EncodeAttrList(handle uint64) []byte { return wire.AppendFixed64(nil, handle) }

func DecodeAttrListResponse(payload []byte) (names []string, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		count := r.Int32()
		for i := int32(0); i < count && r.Err() == nil; i++ {
			names = append(names, r.String())
		}
	}
	return names, errCode, r.Complete()
}

// EncodeAttrIncr builds the ATTRINCR request payload: i64 handle, vstr
// attr.
func EncodeAttrIncr(handle uint64, attr string) []byte {
	buf := wire.AppendFixed64(nil, handle)
	return wire.AppendString(buf, attr)
}

func DecodeAttrIncrResponse(payload []byte) (newValue int64, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		newValue = r.Int64()
	}
	return newValue, errCode, r.Complete()
}

// EncodeReaddir builds the READDIR request payload: i64 handle.
func EncodeReaddir(handle uint64) []byte { return wire.AppendFixed64(nil, handle) }

func DecodeReaddirResponse(payload []byte) (entries []string, errCode int32, err error) {
	return DecodeAttrListResponse(payload)
}

// EncodeReaddirAttr builds the READDIRATTR request payload: i64 handle,
// vstr attr, bool include_sub_entries.
func EncodeReaddirAttr(handle uint64, attr string, includeSubEntries bool) []byte {
	buf := wire.AppendFixed64(nil, handle)
	buf = wire.AppendString(buf, attr)
	return wire.AppendBool(buf, includeSubEntries)
}

// ReaddirAttrEntry pairs one child name with the requested attribute's
// value on that child, as returned by READDIRATTR.
type ReaddirAttrEntry struct {
	Name      string
	AttrValue []byte
}

func DecodeReaddirAttrResponse(payload []byte) (entries []ReaddirAttrEntry, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		count := r.Int32()
		for i := int32(0); i < count && r.Err() == nil; i++ {
			entries = append(entries, ReaddirAttrEntry{Name: r.String(), AttrValue: r.Bytes()})
		}
	}
	return entries, errCode, r.Complete()
}

// EncodeReadpathAttr builds the READPATHATTR request payload: i64 handle,
// vstr attr.
func EncodeReadpathAttr(handle uint64, attr string) []byte {
	buf := wire.AppendFixed64(nil, handle)
	return wire.AppendString(buf, attr)
}

// DecodeReadpathAttrResponse reads one attribute value per path
// component from the node's handle down to the root, in that order
// (READPATHATTR walks up the tree collecting an inherited attribute).
func DecodeReadpathAttrResponse(payload []byte) (values [][]byte, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		count := r.Int32()
		for i := int32(0); i < count && r.Err() == nil; i++ {
			values = append(values, r.Bytes())
		}
	}
	return values, errCode, r.Complete()
}

// EncodeLock builds the LOCK request payload: i64 handle, u32 mode, bool
// try_lock.
func EncodeLock(handle uint64, mode LockMode, tryLock bool) []byte {
	buf := wire.AppendFixed64(nil, handle)
	buf = wire.AppendFixed32(buf, uint32(mode))
	return wire.AppendBool(buf, tryLock)
}

// LockStatus mirrors whether a LOCK request granted the lock outright or
// merely queued the caller behind a conflicting holder.
type LockStatus uint8

const (
	LockGranted LockStatus = iota
	LockPending
)

func DecodeLockResponse(payload []byte) (status LockStatus, generation uint64, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		status = LockStatus(r.Uint8())
		generation = r.Uint64()
	}
	return status, generation, errCode, r.Complete()
}

// EncodeRelease builds the RELEASE request payload: i64 handle.
func EncodeRelease(handle uint64) []byte { return wire.AppendFixed64(nil, handle) }

// EncodeCheckSequencer builds the CHECKSEQUENCER request payload: i64
// handle, u64 generation.
func EncodeCheckSequencer(handle, generation uint64) []byte {
	buf := wire.AppendFixed64(nil, handle)
	return wire.AppendFixed64(buf, generation)
}

// EncodeStatus builds the (empty) STATUS request payload.
func EncodeStatus() []byte { return nil }

// EncodeShutdown builds the (empty) SHUTDOWN request payload.
func EncodeShutdown() []byte { return nil }

// DecodeErrorOnly reads just the 4-byte service-level error prefix every
// response begins with, for operations with no other response data
// (CLOSE, MKDIR, DELETE, ATTRSET, ATTRDEL, RELEASE, CHECKSEQUENCER,
// SHUTDOWN).
func DecodeErrorOnly(payload []byte) (errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	return errCode, r.Complete()
}

// EncodeRedirect builds the body of the REDIRECT response a server would
// send when it is no longer master: vstr new_location. It does not write
// the leading 4-byte error code that DecodeRedirectResponse reads first.
func EncodeRedirect(newLocation string) []byte { return wire.AppendString(nil, newLocation) }

func DecodeRedirectResponse(payload []byte) (newLocation string, errCode int32, err error) {
	r := wire.NewReader(payload)
	errCode = r.Int32()
	if errCode == 0 {
		newLocation = r.String()
	}
	return newLocation, errCode, r.Complete()
}

// responseCallback is the shared service-level response builder.
var responseCallback wire.ResponseCallback

// EncodeErrorResponse builds a response payload consisting of only the
// service-level error prefix, for a failed call that has no other data
// to report.
func EncodeErrorResponse(code int32) []byte {
	return responseCallback.Error(code)
}

// EncodeSuccessResponse builds a response payload: a zero error prefix
// followed by rest, whatever operation-specific data that operation
// returns on success.
func EncodeSuccessResponse(rest []byte) []byte {
	return responseCallback.Success(rest)
}
