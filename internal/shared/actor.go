package shared

import "strings"

// ActorKind classifies who performed an action.
type ActorKind string

const (
	// ActorSystem marks actions without a human caller.
	ActorSystem ActorKind = "system"
	// ActorBuyer marks actions by the purchasing company.
	ActorBuyer ActorKind = "buyer"
	// ActorSupplier marks actions by a supplier user.
	ActorSupplier ActorKind = "supplier"
)

// Valid reports whether k is one of the known kinds.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorSystem, ActorBuyer, ActorSupplier:
		return true
	}
	return false
}

// Actor is the resolved caller of an operation.
type Actor struct {
	ID        int64
	Name      string
	Kind      ActorKind
	CompanyID int64
}

// ResolveActor builds an Actor from gateway supplied identity. Roles starting
// with "supplier" resolve to ActorSupplier, everything else to ActorBuyer.
func ResolveActor(id int64, name, role string, companyID int64) *Actor {
	kind := ActorBuyer
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(role)), "supplier") {
		kind = ActorSupplier
	}
	return &Actor{ID: id, Name: name, Kind: kind, CompanyID: companyID}
}

// KindOf returns the kind of a, treating nil as the system.
func KindOf(a *Actor) ActorKind {
	if a == nil || !a.Kind.Valid() {
		return ActorSystem
	}
	return a.Kind
}

// IDOf returns a's id or zero for the system.
func IDOf(a *Actor) int64 {
	if a == nil {
		return 0
	}
	return a.ID
}
