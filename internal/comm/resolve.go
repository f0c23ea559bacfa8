package comm

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/pion/mdns"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Resolver turns a device name into an IPv4 address.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (net.IP, error)
}

// LocalResolver resolves bare device names inside the link-local domain:
// "goofy" is looked up as "goofy.local". The system resolver is tried first;
// if it finds nothing and MDNS is set, a multicast DNS query is sent.
type LocalResolver struct {
	Domain string // default "local"
	MDNS   bool
	Log    *zap.SugaredLogger
}

// Qualify returns the name that will actually be looked up.
func (r *LocalResolver) Qualify(host string) string {
	domain := r.Domain
	if domain == "" {
		domain = "local"
	}
	if strings.Contains(host, ".") {
		return host
	}
	return host + "." + domain
}

func (r *LocalResolver) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	if host == "" {
		return nil, &LookupError{Host: host, Err: errors.New("empty host name")}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, &LookupError{Host: host, Err: errors.New("not an IPv4 address")}
	}

	name := r.Qualify(host)
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", name)
	if err == nil {
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	if r.MDNS && strings.HasSuffix(name, ".local") {
		if r.Log != nil {
			r.Log.Debugw("system lookup failed, trying mdns", "name", name, "error", err)
		}
		ip, merr := lookupMDNS(ctx, name)
		if merr == nil {
			return ip, nil
		}
		err = merr
	}
	return nil, &LookupError{Host: name, Err: err}
}

func lookupMDNS(ctx context.Context, name string) (net.IP, error) {
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddress)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	server, err := mdns.Server(ipv4.NewPacketConn(l), &mdns.Config{})
	if err != nil {
		l.Close()
		return nil, err
	}
	defer server.Close()

	_, src, err := server.Query(ctx, name)
	if err != nil {
		return nil, err
	}
	var ip net.IP
	switch a := src.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4, nil
	}
	return nil, errors.New("mdns answer has no IPv4 address")
}

// StaticResolver maps names to addresses without touching the network.
type StaticResolver map[string]string

func (s StaticResolver) LookupIPv4(_ context.Context, host string) (net.IP, error) {
	addr, ok := s[host]
	if !ok {
		return nil, &LookupError{Host: host}
	}
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return nil, &LookupError{Host: host, Err: errors.New("not an IPv4 address")}
	}
	return ip, nil
}
