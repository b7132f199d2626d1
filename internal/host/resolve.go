package host

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Resolver is the subset of *net.Resolver used for hostname resolution.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// Resolve turns a hostname or IP address into a bare machine name with any
// domain suffix stripped. IP addresses are reverse-resolved; names are
// canonicalized through DNS.
func Resolve(ctx context.Context, r Resolver, addr string) (string, error) {
	if r == nil {
		r = net.DefaultResolver
	}

	var fqdn string
	if net.ParseIP(addr) != nil {
		names, err := r.LookupAddr(ctx, addr)
		if err != nil {
			return "", fmt.Errorf("reverse lookup %s: %w", addr, err)
		}
		if len(names) == 0 {
			return "", fmt.Errorf("reverse lookup %s: no names returned", addr)
		}
		fqdn = names[0]
	} else {
		cname, err := r.LookupCNAME(ctx, addr)
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", addr, err)
		}
		fqdn = cname
	}

	return stripDomain(fqdn), nil
}

func stripDomain(name string) string {
	name = strings.TrimSuffix(name, ".")
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
