// Package hark lets services find each other on a local network without a
// central directory.
//
// Every process creates a `Discovery` bound to a multicast group. A process
// which serves something announces its *name* and *URI* on the group every
// second. Every process listens to the group and remembers, for each name,
// the URIs it heard and when it last heard about the name.
//
// ## How it works
//
// An announcement is a single UDP datagram:
//
//	<service-name>\t<service-uri>
//
// There is no header, no version and no acknowledgment. Datagrams which do
// not look like that are ignored, so the group can be shared with other
// traffic.
//
// Callers resolve a name with `Discovery.Resolve`, which blocks until enough
// addresses are known and the service was heard within the expiration
// window (5 seconds by default):
//
//	d, err := hark.Create(hark.WithAnnounce("Users", "http://10.0.0.1:8080"))
//	...
//	d.Start()
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	addrs, err := d.Resolve(ctx, "Images", 1)
//
// ## Caveats
//
// The freshness is tracked per *name*, not per URI. As long as one instance
// of a service keeps announcing, every URI ever heard for this name is
// returned, including instances which are long gone. Callers MUST be ready
// to fail over to another address.
//
// Nothing is authenticated. Anyone on the segment can announce any name.
//
// ## Relay
//
// Multicast rarely crosses routers. With `WithRelay`, a `Discovery` also
// joins a [`hashicorp/memberlist`][dep-mbl] cluster and gossips what it hears
// locally to the other members, which merge it as if they had heard it on
// their own segment.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package hark
