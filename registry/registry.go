// Package registry holds the static catalogue of EventSub subscription types
// and Helix endpoint descriptors, plus the schema and scope primitives used
// to validate requests against it.
package registry

import "sort"

// Key names one EventSub subscription type in PascalCase, e.g. ChannelFollow.
type Key string

// SubscriptionType describes one EventSub subscription type: its wire type
// string and version, the condition schema callers must satisfy, and the
// schema of delivered event payloads.
type SubscriptionType struct {
	Key       Key
	Type      string
	Version   string
	Condition *Schema
	Event     *Schema
}

// AuthRequirement declares which token kinds an endpoint accepts and the
// scope predicate user tokens must satisfy.
type AuthRequirement struct {
	UserAccessToken bool
	AppAccessToken  bool
	UserScopes      *ScopeSet
}

// Endpoint describes one Helix endpoint: method, path, request/response
// schemas, the statuses it may legally return, and its auth requirement.
type Endpoint struct {
	Name         string
	Method       string
	Path         string
	Query        *Schema
	Body         *Schema
	Response     *Schema
	SuccessCodes []int
	ErrorCodes   []int
	Auth         AuthRequirement
}

// LookupByKey resolves a subscription type descriptor by its PascalCase key.
func LookupByKey(key Key) (*SubscriptionType, bool) {
	st, ok := subscriptionTypes[key]
	return st, ok
}

// LookupByTypeAndVersion resolves a descriptor by wire type string and version.
func LookupByTypeAndVersion(typ, version string) (*SubscriptionType, bool) {
	st, ok := subscriptionTypesByWire[wireKey(typ, version)]
	return st, ok
}

// AllKeys lists every catalogued subscription key in sorted order.
func AllKeys() []Key {
	keys := make([]Key, 0, len(subscriptionTypes))
	for k := range subscriptionTypes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// LookupEndpoint resolves an endpoint descriptor by its operation name.
func LookupEndpoint(name string) (*Endpoint, bool) {
	ep, ok := endpoints[name]
	return ep, ok
}

// AllEndpoints lists every catalogued endpoint name in sorted order.
func AllEndpoints() []string {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func wireKey(typ, version string) string {
	return typ + "/" + version
}
