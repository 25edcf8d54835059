package comm

import (
	"sync"
	"time"
)

// ioHandler is the common shape both the TCP and UDP data handlers
// implement. The handler map and the connection manager only ever see
// connections through this interface.
type ioHandler interface {
	LocalAddr() Address
	RemoteAddr() Address
	send(frame []byte) error
	close()
	dead() bool
}

// handlerMap is the registry of live connections keyed by concrete remote
// endpoint. A second index keyed by proxy name
// lets set_alias and the proxy map resolve a logical name to the
// connection actually carrying it.
type handlerMap struct {
	mu       sync.RWMutex
	byAddr   map[string]ioHandler
	byProxy  map[string]string // proxy name -> byAddr key

	proxyMu     sync.Mutex
	proxyOnce   sync.Once
	proxyLoadedCh chan struct{}
	proxyMap    map[string]Address // proxy name -> resolved concrete address
}

func newHandlerMap() *handlerMap {
	return &handlerMap{
		byAddr:        make(map[string]ioHandler),
		byProxy:       make(map[string]string),
		proxyMap:      make(map[string]Address),
		proxyLoadedCh: make(chan struct{}),
	}
}

func (hm *handlerMap) insert(addr Address, h ioHandler) {
	hm.mu.Lock()
	hm.byAddr[addr.Key()] = h
	hm.mu.Unlock()
}

// lookup resolves addr to its live handler. Proxy-name addresses resolve
// through the alias index, so SendRequest and friends accept either form.
func (hm *handlerMap) lookup(addr Address) (ioHandler, bool) {
	if addr.IsProxy() {
		return hm.lookupProxy(addr.Proxy)
	}
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	h, ok := hm.byAddr[addr.Key()]
	return h, ok
}

func (hm *handlerMap) remove(addr Address) {
	hm.mu.Lock()
	key := addr.Key()
	delete(hm.byAddr, key)
	for proxy, target := range hm.byProxy {
		if target == key {
			delete(hm.byProxy, proxy)
		}
	}
	hm.mu.Unlock()
}

// snapshot returns every live handler, for Shutdown's teardown sweep.
func (hm *handlerMap) snapshot() []ioHandler {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]ioHandler, 0, len(hm.byAddr))
	for _, h := range hm.byAddr {
		out = append(out, h)
	}
	return out
}

// setAlias binds a logical proxy name to the connection currently
// registered under addr.
func (hm *handlerMap) setAlias(proxy string, addr Address) bool {
	hm.mu.Lock()
	_, ok := hm.byAddr[addr.Key()]
	if ok {
		hm.byProxy[proxy] = addr.Key()
	}
	hm.mu.Unlock()
	return ok
}

func (hm *handlerMap) lookupProxy(proxy string) (ioHandler, bool) {
	hm.mu.RLock()
	key, ok := hm.byProxy[proxy]
	if !ok {
		hm.mu.RUnlock()
		return nil, false
	}
	h, ok := hm.byAddr[key]
	hm.mu.RUnlock()
	return h, ok
}

// addProxy records a logical-name -> concrete-address mapping learned
// from a PROXY_MAP_UPDATE broadcast or registered locally.
func (hm *handlerMap) addProxy(name string, addr Address) {
	hm.proxyMu.Lock()
	hm.proxyMap[name] = addr
	hm.proxyMu.Unlock()
}

// resolveProxyAddr returns the concrete endpoint the proxy map currently
// binds name to, for resolving a proxy-name Address at dial time.
func (hm *handlerMap) resolveProxyAddr(name string) (Address, bool) {
	hm.proxyMu.Lock()
	defer hm.proxyMu.Unlock()
	addr, ok := hm.proxyMap[name]
	return addr, ok
}

func (hm *handlerMap) getProxyMap() map[string]Address {
	hm.proxyMu.Lock()
	defer hm.proxyMu.Unlock()
	out := make(map[string]Address, len(hm.proxyMap))
	for k, v := range hm.proxyMap {
		out[k] = v
	}
	return out
}

// markProxyMapLoaded flips the proxy map into its loaded state and wakes
// every waitForProxyLoad caller. It is idempotent.
func (hm *handlerMap) markProxyMapLoaded() {
	hm.proxyOnce.Do(func() { close(hm.proxyLoadedCh) })
}

// waitForProxyLoad blocks until the proxy map has been marked loaded or
// timeoutCh fires. A timeout is reported simply as a false return with no
// other side effect.
func (hm *handlerMap) waitForProxyLoad(timeoutCh <-chan time.Time) bool {
	select {
	case <-hm.proxyLoadedCh:
		return true
	case <-timeoutCh:
		return false
	}
}
