package comm

import (
	"encoding/binary"
	"net"

	"github.com/ridgewayio/commcore/pkg/wire"
)

// The proxy map update payload is a list of (vstr proxy, vstr hostname,
// 6-byte sockaddr) records: a 4-byte IPv4 address followed by a 2-byte
// little-endian port.

func encodeProxyMapUpdate(m map[string]Address) []byte {
	var buf []byte
	for name, addr := range m {
		buf = wire.AppendString(buf, name)
		buf = wire.AppendString(buf, addr.Host)
		ip := net.ParseIP(addr.Host).To4()
		if ip == nil {
			ip = net.IPv4zero.To4()
		}
		buf = append(buf, ip...)
		buf = binary.LittleEndian.AppendUint16(buf, addr.Port)
	}
	return buf
}

func decodeProxyMapUpdate(payload []byte) (map[string]Address, error) {
	out := make(map[string]Address)
	r := wire.NewReader(payload)
	for len(r.Src) > 0 {
		name := r.String()
		host := r.String()
		if r.Err() != nil {
			return nil, r.Err()
		}
		if len(r.Src) < 6 {
			return nil, wire.ErrNotEnoughData
		}
		ip := net.IPv4(r.Src[0], r.Src[1], r.Src[2], r.Src[3])
		port := binary.LittleEndian.Uint16(r.Src[4:6])
		r.Src = r.Src[6:]
		if host == "" {
			host = ip.String()
		}
		out[name] = Address{Host: host, Port: port}
	}
	return out, nil
}

// BroadcastProxyMap sends the current proxy map to every live TCP
// connection as a MESSAGE frame flagged PROXY_MAP_UPDATE. Only the
// authoritative node calls this; receivers fold the bindings into their
// own proxy map and wake any WaitForProxyLoad callers.
func (c *Comm) BroadcastProxyMap() error {
	payload := encodeProxyMapUpdate(c.handlers.getProxyMap())
	hdr := wire.Header{
		Version:   wire.ProtocolVersion,
		HeaderLen: wire.HeaderLen,
		Flags:     wire.FlagProxyMapUpdate,
	}
	frame := wire.NewBuilder(hdr, len(payload)).AppendRaw(payload).Finalize(true)

	var firstErr error
	for _, h := range c.handlers.snapshot() {
		if err := h.send(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applyProxyMapUpdate folds a received PROXY_MAP_UPDATE payload into the
// process proxy map and marks it loaded.
func (hm *handlerMap) applyProxyMapUpdate(payload []byte) error {
	entries, err := decodeProxyMapUpdate(payload)
	if err != nil {
		return err
	}
	for name, addr := range entries {
		hm.addProxy(name, addr)
	}
	hm.markProxyMapLoaded()
	return nil
}
