package coord

// This file is the client's full operation set, each operation exposed as
// a synchronous call plus an Async sibling driven by the same callAsync
// plumbing, except Status and Shutdown, which are synchronous only.

// OpenAsync opens or creates the node at path, registering onEvent to
// receive node events matching mask.
func (cl *Client) OpenAsync(path string, flags OpenFlags, mask EventMask, onEvent func(Notification), cb func(*Handle, error)) {
	payload := EncodeOpen(path, flags, mask)
	cl.callAsync("open", CmdOpen, 0, payload, func(resp []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		id, code, derr := DecodeOpenResponse(resp)
		if derr != nil {
			cb(nil, derr)
			return
		}
		if se := serviceErr("open", code); se != nil {
			cb(nil, se)
			return
		}
		h := &Handle{ID: id, Path: path, Flags: flags, Mask: mask, OnEvent: onEvent}
		cl.mu.Lock()
		cl.handles[id] = h
		cl.mu.Unlock()
		cb(h, nil)
	})
}

// Open is OpenAsync's synchronous sibling.
func (cl *Client) Open(path string, flags OpenFlags, mask EventMask, onEvent func(Notification)) (*Handle, error) {
	type result struct {
		h   *Handle
		err error
	}
	ch := make(chan result, 1)
	cl.OpenAsync(path, flags, mask, onEvent, func(h *Handle, err error) { ch <- result{h, err} })
	r := <-ch
	return r.h, r.err
}

// CloseAsync releases h. The handle is forgotten locally regardless of
// whether the server round trip succeeds, mirroring Comm's close_socket
// purge semantics for a doomed resource.
func (cl *Client) CloseAsync(h *Handle, cb func(error)) {
	cl.mu.Lock()
	delete(cl.handles, h.ID)
	cl.mu.Unlock()
	cl.callAsync("close", CmdClose, groupIDForHandle(h.ID), EncodeClose(h.ID), func(resp []byte, err error) {
		if err != nil {
			cb(err)
			return
		}
		code, derr := DecodeErrorOnly(resp)
		if derr != nil {
			cb(derr)
			return
		}
		cb(serviceErr("close", code))
	})
}

// Close is CloseAsync's synchronous sibling.
func (cl *Client) Close(h *Handle) error {
	ch := make(chan error, 1)
	cl.CloseAsync(h, func(err error) { ch <- err })
	return <-ch
}

// MkdirAsync creates a node at path.
func (cl *Client) MkdirAsync(path string, createIntermediate bool, cb func(error)) {
	cl.callAsync("mkdir", CmdMkdir, 0, EncodeMkdir(path, createIntermediate), func(resp []byte, err error) {
		if err != nil {
			cb(err)
			return
		}
		code, derr := DecodeErrorOnly(resp)
		if derr != nil {
			cb(derr)
			return
		}
		cb(serviceErr("mkdir", code))
	})
}

// Mkdir is MkdirAsync's synchronous sibling.
func (cl *Client) Mkdir(path string, createIntermediate bool) error {
	ch := make(chan error, 1)
	cl.MkdirAsync(path, createIntermediate, func(err error) { ch <- err })
	return <-ch
}

// DeleteAsync removes the node at path.
func (cl *Client) DeleteAsync(path string, cb func(error)) {
	cl.callAsync("delete", CmdDelete, 0, EncodeDelete(path), func(resp []byte, err error) {
		if err != nil {
			cb(err)
			return
		}
		code, derr := DecodeErrorOnly(resp)
		if derr != nil {
			cb(derr)
			return
		}
		cb(serviceErr("delete", code))
	})
}

// Delete is DeleteAsync's synchronous sibling.
func (cl *Client) Delete(path string) error {
	ch := make(chan error, 1)
	cl.DeleteAsync(path, func(err error) { ch <- err })
	return <-ch
}

// ExistsAsync reports whether a node exists at path.
func (cl *Client) ExistsAsync(path string, cb func(bool, error)) {
	cl.callAsync("exists", CmdExists, 0, EncodeExists(path), func(resp []byte, err error) {
		if err != nil {
			cb(false, err)
			return
		}
		exists, code, derr := DecodeExistsResponse(resp)
		if derr != nil {
			cb(false, derr)
			return
		}
		cb(exists, serviceErr("exists", code))
	})
}

// Exists is ExistsAsync's synchronous sibling.
func (cl *Client) Exists(path string) (bool, error) {
	type result struct {
		exists bool
		err    error
	}
	ch := make(chan result, 1)
	cl.ExistsAsync(path, func(exists bool, err error) { ch <- result{exists, err} })
	r := <-ch
	return r.exists, r.err
}

// ReaddirAsync lists the immediate children of the node h refers to.
func (cl *Client) ReaddirAsync(h *Handle, cb func([]string, error)) {
	cl.callAsync("readdir", CmdReaddir, groupIDForHandle(h.ID), EncodeReaddir(h.ID), func(resp []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		entries, code, derr := DecodeReaddirResponse(resp)
		if derr != nil {
			cb(nil, derr)
			return
		}
		cb(entries, serviceErr("readdir", code))
	})
}

// Readdir is ReaddirAsync's synchronous sibling.
func (cl *Client) Readdir(h *Handle) ([]string, error) {
	type result struct {
		entries []string
		err     error
	}
	ch := make(chan result, 1)
	cl.ReaddirAsync(h, func(entries []string, err error) { ch <- result{entries, err} })
	r := <-ch
	return r.entries, r.err
}

// ReaddirAttrAsync lists children of h along with attr's value on each.
func (cl *Client) ReaddirAttrAsync(h *Handle, attr string, includeSubEntries bool, cb func([]ReaddirAttrEntry, error)) {
	payload := EncodeReaddirAttr(h.ID, attr, includeSubEntries)
	cl.callAsync("readdirattr", CmdReaddirAttr, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		entries, code, derr := DecodeReaddirAttrResponse(resp)
		if derr != nil {
			cb(nil, derr)
			return
		}
		cb(entries, serviceErr("readdirattr", code))
	})
}

// ReaddirAttr is ReaddirAttrAsync's synchronous sibling.
func (cl *Client) ReaddirAttr(h *Handle, attr string, includeSubEntries bool) ([]ReaddirAttrEntry, error) {
	type result struct {
		entries []ReaddirAttrEntry
		err     error
	}
	ch := make(chan result, 1)
	cl.ReaddirAttrAsync(h, attr, includeSubEntries, func(entries []ReaddirAttrEntry, err error) { ch <- result{entries, err} })
	r := <-ch
	return r.entries, r.err
}

// ReadpathAttrAsync reads attr's value at each path component from h up
// to the root: an inherited-attribute lookup.
func (cl *Client) ReadpathAttrAsync(h *Handle, attr string, cb func([][]byte, error)) {
	payload := EncodeReadpathAttr(h.ID, attr)
	cl.callAsync("readpathattr", CmdReadpathAttr, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		values, code, derr := DecodeReadpathAttrResponse(resp)
		if derr != nil {
			cb(nil, derr)
			return
		}
		cb(values, serviceErr("readpathattr", code))
	})
}

// ReadpathAttr is ReadpathAttrAsync's synchronous sibling.
func (cl *Client) ReadpathAttr(h *Handle, attr string) ([][]byte, error) {
	type result struct {
		values [][]byte
		err    error
	}
	ch := make(chan result, 1)
	cl.ReadpathAttrAsync(h, attr, func(values [][]byte, err error) { ch <- result{values, err} })
	r := <-ch
	return r.values, r.err
}

// AttrSetAsync sets attr on h's node to value.
func (cl *Client) AttrSetAsync(h *Handle, attr string, value []byte, cb func(error)) {
	payload := EncodeAttrSet(h.ID, attr, value)
	cl.callAsync("attrset", CmdAttrSet, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(err)
			return
		}
		code, derr := DecodeErrorOnly(resp)
		if derr != nil {
			cb(derr)
			return
		}
		cb(serviceErr("attrset", code))
	})
}

// AttrSet is AttrSetAsync's synchronous sibling.
func (cl *Client) AttrSet(h *Handle, attr string, value []byte) error {
	ch := make(chan error, 1)
	cl.AttrSetAsync(h, attr, value, func(err error) { ch <- err })
	return <-ch
}

// AttrGetAsync reads attr's value from h's node.
func (cl *Client) AttrGetAsync(h *Handle, attr string, cb func([]byte, error)) {
	payload := EncodeAttrGet(h.ID, attr)
	cl.callAsync("attrget", CmdAttrGet, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		value, code, derr := DecodeAttrGetResponse(resp)
		if derr != nil {
			cb(nil, derr)
			return
		}
		cb(value, serviceErr("attrget", code))
	})
}

// AttrGet is AttrGetAsync's synchronous sibling.
func (cl *Client) AttrGet(h *Handle, attr string) ([]byte, error) {
	type result struct {
		value []byte
		err   error
	}
	ch := make(chan result, 1)
	cl.AttrGetAsync(h, attr, func(value []byte, err error) { ch <- result{value, err} })
	r := <-ch
	return r.value, r.err
}

// AttrDelAsync removes attr from h's node.
func (cl *Client) AttrDelAsync(h *Handle, attr string, cb func(error)) {
	payload := EncodeAttrDel(h.ID, attr)
	cl.callAsync("attrdel", CmdAttrDel, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(err)
			return
		}
		code, derr := DecodeErrorOnly(resp)
		if derr != nil {
			cb(derr)
			return
		}
		cb(serviceErr("attrdel", code))
	})
}

// AttrDel is AttrDelAsync's synchronous sibling.
func (cl *Client) AttrDel(h *Handle, attr string) error {
	ch := make(chan error, 1)
	cl.AttrDelAsync(h, attr, func(err error) { ch <- err })
	return <-ch
}

// AttrExistsAsync reports whether attr is set on h's node.
func (cl *Client) AttrExistsAsync(h *Handle, attr string, cb func(bool, error)) {
	payload := EncodeAttrExists(h.ID, attr)
	cl.callAsync("attrexists", CmdAttrExists, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(false, err)
			return
		}
		exists, code, derr := DecodeAttrExistsResponse(resp)
		if derr != nil {
			cb(false, derr)
			return
		}
		cb(exists, serviceErr("attrexists", code))
	})
}

// AttrExists is AttrExistsAsync's synchronous sibling.
func (cl *Client) AttrExists(h *Handle, attr string) (bool, error) {
	type result struct {
		exists bool
		err    error
	}
	ch := make(chan result, 1)
	cl.AttrExistsAsync(h, attr, func(exists bool, err error) { ch <- result{exists, err} })
	r := <-ch
	return r.exists, r.err
}

// AttrListAsync lists every attribute name set on h's node.
func (cl *Client) AttrListAsync(h *Handle, cb func([]string, error)) {
	cl.callAsync("attrlist", CmdAttrList, groupIDForHandle(h.ID), EncodeAttrList(h.ID), func(resp []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		names, code, derr := DecodeAttrListResponse(resp)
		if derr != nil {
			cb(nil, derr)
			return
		}
		cb(names, serviceErr("attrlist", code))
	})
}

// AttrList is AttrListAsync's synchronous sibling.
func (cl *Client) AttrList(h *Handle) ([]string, error) {
	type result struct {
		names []string
		err   error
	}
	ch := make(chan result, 1)
	cl.AttrListAsync(h, func(names []string, err error) { ch <- result{names, err} })
	r := <-ch
	return r.names, r.err
}

// AttrIncrAsync atomically increments the integer attribute attr on h's
// node and returns its new value.
func (cl *Client) AttrIncrAsync(h *Handle, attr string, cb func(int64, error)) {
	payload := EncodeAttrIncr(h.ID, attr)
	cl.callAsync("attrincr", CmdAttrIncr, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(0, err)
			return
		}
		newValue, code, derr := DecodeAttrIncrResponse(resp)
		if derr != nil {
			cb(0, derr)
			return
		}
		cb(newValue, serviceErr("attrincr", code))
	})
}

// AttrIncr is AttrIncrAsync's synchronous sibling.
func (cl *Client) AttrIncr(h *Handle, attr string) (int64, error) {
	type result struct {
		value int64
		err   error
	}
	ch := make(chan result, 1)
	cl.AttrIncrAsync(h, attr, func(value int64, err error) { ch <- result{value, err} })
	r := <-ch
	return r.value, r.err
}

// LockAsync acquires mode on h's node. If tryLock is false and the lock
// is held elsewhere, the coordination service blocks the request server
// side until it can be granted.
func (cl *Client) LockAsync(h *Handle, mode LockMode, tryLock bool, cb func(LockStatus, uint64, error)) {
	payload := EncodeLock(h.ID, mode, tryLock)
	cl.callAsync("lock", CmdLock, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(0, 0, err)
			return
		}
		status, generation, code, derr := DecodeLockResponse(resp)
		if derr != nil {
			cb(0, 0, derr)
			return
		}
		cb(status, generation, serviceErr("lock", code))
	})
}

// Lock is LockAsync's synchronous sibling.
func (cl *Client) Lock(h *Handle, mode LockMode, tryLock bool) (LockStatus, uint64, error) {
	type result struct {
		status     LockStatus
		generation uint64
		err        error
	}
	ch := make(chan result, 1)
	cl.LockAsync(h, mode, tryLock, func(status LockStatus, generation uint64, err error) {
		ch <- result{status, generation, err}
	})
	r := <-ch
	return r.status, r.generation, r.err
}

// ReleaseAsync releases any lock h's node holds.
func (cl *Client) ReleaseAsync(h *Handle, cb func(error)) {
	cl.callAsync("release", CmdRelease, groupIDForHandle(h.ID), EncodeRelease(h.ID), func(resp []byte, err error) {
		if err != nil {
			cb(err)
			return
		}
		code, derr := DecodeErrorOnly(resp)
		if derr != nil {
			cb(derr)
			return
		}
		cb(serviceErr("release", code))
	})
}

// Release is ReleaseAsync's synchronous sibling.
func (cl *Client) Release(h *Handle) error {
	ch := make(chan error, 1)
	cl.ReleaseAsync(h, func(err error) { ch <- err })
	return <-ch
}

// CheckSequencerAsync validates generation against h's node's current
// lock generation, for fencing writes by a third party holding a stale
// sequencer token.
func (cl *Client) CheckSequencerAsync(h *Handle, generation uint64, cb func(error)) {
	payload := EncodeCheckSequencer(h.ID, generation)
	cl.callAsync("checksequencer", CmdCheckSequencer, groupIDForHandle(h.ID), payload, func(resp []byte, err error) {
		if err != nil {
			cb(err)
			return
		}
		code, derr := DecodeErrorOnly(resp)
		if derr != nil {
			cb(derr)
			return
		}
		cb(serviceErr("checksequencer", code))
	})
}

// CheckSequencer is CheckSequencerAsync's synchronous sibling.
func (cl *Client) CheckSequencer(h *Handle, generation uint64) error {
	ch := make(chan error, 1)
	cl.CheckSequencerAsync(h, generation, func(err error) { ch <- err })
	return <-ch
}

// Status pings the coordination service, succeeding only if it answers
// with no service-level error.
func (cl *Client) Status() error {
	resp, err := cl.call("status", CmdStatus, 0, EncodeStatus())
	if err != nil {
		return err
	}
	code, derr := DecodeErrorOnly(resp)
	if derr != nil {
		return derr
	}
	return serviceErr("status", code)
}

// Shutdown asks the coordination service itself to shut down. This is an
// administrative operation distinct from Stop, which only tears down
// this client's local session.
func (cl *Client) Shutdown() error {
	resp, err := cl.call("shutdown", CmdShutdown, 0, EncodeShutdown())
	if err != nil {
		return err
	}
	code, derr := DecodeErrorOnly(resp)
	if derr != nil {
		return derr
	}
	return serviceErr("shutdown", code)
}
