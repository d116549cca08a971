// Package urlsec validates URLs against SSRF protection rules: scheme and
// port restrictions, no embedded credentials, and rejection of any host
// that is (or resolves to) a private, loopback, link-local, multicast, or
// carrier-grade-NAT address. Validation runs before the initial connection
// and again on every redirect hop.
package urlsec

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Violation reports why a URL was rejected.
type Violation struct {
	URL    string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("SSRF protection: %s (url %q)", v.Reason, v.URL)
}

// cloudMetadataHost is the link-local address cloud providers expose
// instance credentials on; it is within link-local range but called out
// explicitly so the reason string is actionable.
const cloudMetadataHost = "169.254.169.254"

// Validate parses rawURL and requires: https (or http when allowHTTP is
// set), port 80/443 only, no embedded userinfo, and a host that does not
// resolve to a private, loopback, link-local, unspecified, multicast, or
// carrier-grade-NAT address. It must be called both before the
// initial connection and again on every redirect hop, since DNS or a
// redirect target can point somewhere the original hostname did not.
func Validate(rawURL string, allowHTTP bool) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Violation{URL: rawURL, Reason: "not a valid URL"}
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !allowHTTP {
			return nil, &Violation{URL: rawURL, Reason: "http is not permitted; only https is allowed unless explicitly configured"}
		}
	default:
		return nil, &Violation{URL: rawURL, Reason: "only http and https are supported"}
	}
	if parsed.User != nil {
		return nil, &Violation{URL: rawURL, Reason: "credentials embedded in the URL authority are not allowed"}
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, &Violation{URL: rawURL, Reason: "missing hostname"}
	}
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		return nil, &Violation{URL: rawURL, Reason: "only port 80 or 443 is allowed"}
	}
	if strings.EqualFold(host, "localhost") {
		return nil, &Violation{URL: rawURL, Reason: "loopback host is not allowed"}
	}

	if err := validateHost(host); err != nil {
		return nil, &Violation{URL: rawURL, Reason: err.Error()}
	}
	return parsed, nil
}

func validateHost(host string) error {
	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("cannot resolve host %q", host)
		}
		ips = append(ips, resolved...)
	}

	for _, ip := range ips {
		if ip.String() == cloudMetadataHost {
			return fmt.Errorf("host resolves to the cloud metadata endpoint")
		}
		if isDisallowedIP(ip) {
			return fmt.Errorf("host resolves to a non-routable address (%s)", ip)
		}
	}
	return nil
}

var cgnatBlock = mustParseCIDR("100.64.0.0/10")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if cgnatBlock.Contains(ip) {
		return true
	}
	return false
}

// CheckRedirect returns an http.Client-compatible CheckRedirect callback
// that re-runs Validate against every redirect target and caps the chain at
// maxRedirects.
func CheckRedirect(maxRedirects int, allowHTTP bool) func(reqURL string, count int) error {
	return func(reqURL string, count int) error {
		if count > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if _, err := Validate(reqURL, allowHTTP); err != nil {
			return err
		}
		return nil
	}
}
