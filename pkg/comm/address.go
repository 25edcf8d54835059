package comm

import (
	"fmt"
	"net"
	"strconv"
)

// Address is the tagged endpoint value every API in this package accepts:
// either a host/port pair or an opaque proxy name resolved through the
// proxy map. A zero Address is invalid.
type Address struct {
	Proxy string // non-empty selects proxy-name resolution
	Host  string
	Port  uint16
}

// HostPort builds a concrete host/port Address.
func HostPort(host string, port uint16) Address {
	return Address{Host: host, Port: port}
}

// ProxyName builds a proxy-name Address, resolved via the proxy map at
// dial time.
func ProxyName(name string) Address {
	return Address{Proxy: name}
}

// IsProxy reports whether a is a proxy-name address.
func (a Address) IsProxy() bool { return a.Proxy != "" }

// IsZero reports whether a carries no identifying information at all.
func (a Address) IsZero() bool { return a == Address{} }

// Key returns a's canonical string form, used as a handler-map key for
// concrete endpoints. Proxy addresses are keyed by resolved endpoint, not
// by this method, once resolution has occurred.
func (a Address) Key() string {
	if a.IsProxy() {
		return "proxy:" + a.Proxy
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a Address) String() string {
	if a.IsProxy() {
		return fmt.Sprintf("proxy(%s)", a.Proxy)
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// resolveTCP renders a as a *net.TCPAddr, resolving the hostname. Proxy
// addresses must already have been resolved to a concrete Address by the
// caller before this is called.
func (a Address) resolveTCP() (*net.TCPAddr, error) {
	if a.IsProxy() {
		return nil, &CommError{Code: ErrCodeInvalidProxy, Msg: "address not resolved: " + a.Proxy}
	}
	return net.ResolveTCPAddr("tcp", a.Key())
}

func (a Address) resolveUDP() (*net.UDPAddr, error) {
	if a.IsProxy() {
		return nil, &CommError{Code: ErrCodeInvalidProxy, Msg: "address not resolved: " + a.Proxy}
	}
	return net.ResolveUDPAddr("udp", a.Key())
}
