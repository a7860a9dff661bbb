// Package naming implements the deterministic, name-based UUID derivation
// used to compute service and characteristic identifiers from type and
// method names (spec §4.3, §8 "Determinism"). Every function here is pure:
// no package-level mutable state, so it is safe to call concurrently from
// any number of coexisting runtimes (spec §5 "Shared-resource policy").
package naming

import (
	"github.com/google/uuid"
)

// RuntimeNamespace is the root namespace every service/characteristic UUID
// is ultimately derived from. It is a fixed value, not a secret: any two
// peers running this package compute identical UUIDs for identical
// type/method names because they share this constant.
var RuntimeNamespace = uuid.MustParse("b1ee1000-bce0-5000-8000-000000000000")

// Deterministic computes a name-based UUIDv5 of name within namespace.
// uuid.NewSHA1 already forces the version nibble to 5 and the variant bits
// to the RFC 4122 pattern (10xx), satisfying spec §4.3/§8 directly — no
// hand-rolled bit twiddling is needed on top of the google/uuid package.
func Deterministic(namespace uuid.UUID, name string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(name))
}

// ServiceUUID derives the service identifier for a distributed-actor type.
// service(T) = hash-namespace(RuntimeNamespace, "T.BLEService")
func ServiceUUID(typeName string) uuid.UUID {
	return Deterministic(RuntimeNamespace, typeName+".BLEService")
}

// CharacteristicUUID derives the RPC characteristic identifier for one
// method of a distributed-actor type.
// characteristic(T, m) = hash-namespace(service(T), "T.m")
func CharacteristicUUID(typeName, methodName string) uuid.UUID {
	svc := ServiceUUID(typeName)
	return Deterministic(svc, typeName+"."+methodName)
}

// ActorUUID derives the canonical actor-id for the single distributed-actor
// instance a service advertises. The runtime resolves the open question of
// learning a peer's runtime-assigned actor-id (spec §9 "placeholder
// mappings... peer identifiers unavailable from the peripheral role") by
// not requiring a handshake at all: a type's actor-id is itself a pure
// function of its name, exactly like service(T) and characteristic(T, m),
// so a caller that only knows typeName can already address the actor
// before ever connecting.
// actor(T) = hash-namespace(service(T), "T.actor")
func ActorUUID(typeName string) uuid.UUID {
	svc := ServiceUUID(typeName)
	return Deterministic(svc, typeName+".actor")
}

// IsRFC4122V5 reports whether u carries the version/variant bits this
// package's derivation contract requires. Used by tests and by adapters
// validating identifiers received from a peer.
func IsRFC4122V5(u uuid.UUID) bool {
	return u.Version() == 5 && u.Variant() == uuid.RFC4122
}
