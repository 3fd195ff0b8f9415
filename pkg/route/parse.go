package route

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

const (
	minPort = 1
	maxPort = 65535
)

// Parse validates the raw label mapping of one service into a Spec.
// Unknown labels are ignored for forward compatibility. Boolean labels are
// opt-in: absence means disabled.
func Parse(serviceID string, labels map[string]string) (*Spec, *ParseError) {
	rawHosts, ok := labels[LabelHost]
	if !ok || strings.TrimSpace(rawHosts) == "" {
		return nil, &ParseError{ServiceID: serviceID, Label: LabelHost, Reason: "required label is missing or empty"}
	}

	hosts := lo.Uniq(lo.FilterMap(splitHosts(rawHosts), func(h string, _ int) (string, bool) {
		h = strings.ToLower(strings.TrimSpace(h))
		return h, h != ""
	}))
	if len(hosts) == 0 {
		return nil, &ParseError{ServiceID: serviceID, Label: LabelHost, Reason: "no hostnames after normalization"}
	}
	sort.Strings(hosts)

	spec := &Spec{
		Hosts:        hosts,
		UpstreamPort: 80,
		Path:         "/",
		TLS:          TLSNone,
		ServiceID:    serviceID,
	}

	if raw, ok := labels[LabelPort]; ok {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || port < minPort || port > maxPort {
			return nil, &ParseError{ServiceID: serviceID, Label: LabelPort, Reason: fmt.Sprintf("invalid port %q", raw)}
		}
		spec.UpstreamPort = port
	}

	if raw, ok := labels[LabelPath]; ok {
		path := strings.TrimSpace(raw)
		if !strings.HasPrefix(path, "/") {
			return nil, &ParseError{ServiceID: serviceID, Label: LabelPath, Reason: fmt.Sprintf("path %q must start with /", raw)}
		}
		spec.Path = path
	}

	ssl, perr := flagValue(serviceID, labels, LabelSSL)
	if perr != nil {
		return nil, perr
	}
	redirect, perr := flagValue(serviceID, labels, LabelSSLRedirect)
	if perr != nil {
		return nil, perr
	}
	switch {
	case redirect && !ssl:
		return nil, &ParseError{ServiceID: serviceID, Label: LabelSSLRedirect, Reason: "ssl-redirect requires ssl"}
	case redirect:
		spec.TLS = TLSACMERedirect
	case ssl:
		spec.TLS = TLSACME
	}

	if raw, ok := labels[LabelProxyProtocol]; ok {
		_, cidr, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil {
			return nil, &ParseError{ServiceID: serviceID, Label: LabelProxyProtocol, Reason: fmt.Sprintf("invalid CIDR %q", raw)}
		}
		spec.ProxyProtocolCIDR = cidr.String()
	}

	return spec, nil
}

// splitHosts splits a host list on commas and whitespace.
func splitHosts(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// flagValue interprets an opt-in boolean label. A present label with an
// empty value counts as enabled, matching annotation flag conventions.
func flagValue(serviceID string, labels map[string]string, key string) (bool, *ParseError) {
	raw, ok := labels[key]
	if !ok {
		return false, nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &ParseError{ServiceID: serviceID, Label: key, Reason: fmt.Sprintf("invalid boolean %q", raw)}
	}
	return v, nil
}
