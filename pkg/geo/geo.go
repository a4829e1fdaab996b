// Package geo defines the IP-to-region lookup boundary used for login
// telemetry. The actual lookup service lives with the consuming
// application; a failed or missing lookup degrades to an empty region
// rather than failing the write that requested it.
package geo

// Locator resolves an IP address to a human-readable region.
type Locator interface {
	// Locate returns the region for ip, or "" when unknown.
	Locate(ip string) (string, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ip string) (string, error)

// Locate calls f.
func (f LocatorFunc) Locate(ip string) (string, error) {
	return f(ip)
}

// Noop returns a Locator that never resolves a region.
func Noop() Locator {
	return LocatorFunc(func(string) (string, error) {
		return "", nil
	})
}
