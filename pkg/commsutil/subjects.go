package commsutil

import (
	"fmt"
	"strings"
)

// DefaultDiscoveryPrefix is the subject root for endpoint discovery traffic.
const DefaultDiscoveryPrefix = "peer.discovery"

// Discovery subject suffixes.
const (
	KindCreated      = "created"
	KindUpdated      = "updated"
	KindDeleted      = "deleted"
	KindStateChanged = "state"
	ListSuffix       = "list"
)

// Token makes a service name safe to use as one subject token.
func Token(name string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(name)
}

// BuildEventSubject builds the subject an endpoint event of kind is
// published on.
func BuildEventSubject(prefix, service, kind string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, Token(service), kind)
}

// BuildWatchSubject builds the wildcard subject matching every event of
// service.
func BuildWatchSubject(prefix, service string) string {
	return fmt.Sprintf("%s.%s.*", prefix, Token(service))
}

// BuildListSubject builds the request subject answered with the endpoints
// of service known to a node.
func BuildListSubject(prefix, service string) string {
	return BuildEventSubject(prefix, service, ListSuffix)
}
