package fsm

// EntityKind identifies which transition table governs an entity.
type EntityKind string

// Entity kinds tracked by the service.
const (
	KindEscrow  EntityKind = "escrow"
	KindInquiry EntityKind = "inquiry"
	KindOffer   EntityKind = "offer"
)

// Status is a lifecycle state. Values are stored verbatim in the database, so
// they are lowercase strings rather than numeric enums.
type Status string

// Escrow transaction statuses.
const (
	EscrowPending   Status = "pending"
	EscrowPaid      Status = "paid"
	EscrowReleasing Status = "releasing"
	EscrowReleased  Status = "released"
	EscrowRefunded  Status = "refunded"
	EscrowDisputed  Status = "disputed"
	EscrowCancelled Status = "cancelled"
)

// Inquiry statuses.
const (
	InquiryPending       Status = "pending"
	InquiryOfferReceived Status = "offer_received"
	InquiryAccepted      Status = "accepted"
	InquiryCompleted     Status = "completed"
	InquiryClosed        Status = "closed"
)

// Offer statuses.
const (
	OfferSent     Status = "sent"
	OfferAccepted Status = "accepted"
	OfferRejected Status = "rejected"
)

// transitions declares every legal edge per entity kind. A status missing
// from its kind's map has no outgoing edges. No kind declares a self-edge, so
// requesting the current status as the target is always rejected.
var transitions = map[EntityKind]map[Status][]Status{
	KindEscrow: {
		EscrowPending:   {EscrowPaid, EscrowCancelled},
		EscrowPaid:      {EscrowReleasing, EscrowReleased, EscrowRefunded, EscrowDisputed},
		EscrowReleasing: {EscrowReleased, EscrowPaid},
		EscrowDisputed:  {EscrowReleased, EscrowRefunded},
	},
	KindInquiry: {
		InquiryPending:       {InquiryOfferReceived, InquiryClosed},
		InquiryOfferReceived: {InquiryAccepted, InquiryClosed},
		InquiryAccepted:      {InquiryCompleted, InquiryClosed},
	},
	KindOffer: {
		OfferSent: {OfferAccepted, OfferRejected},
	},
}

// terminal lists the statuses with no outgoing edges, ever. A transition
// request out of one of these is rejected as a terminal-state escape rather
// than a merely undeclared edge.
var terminal = map[EntityKind]map[Status]struct{}{
	KindEscrow: {
		EscrowReleased:  {},
		EscrowRefunded:  {},
		EscrowCancelled: {},
	},
	KindInquiry: {
		InquiryCompleted: {},
		InquiryClosed:    {},
	},
	KindOffer: {
		OfferAccepted: {},
		OfferRejected: {},
	},
}

// KnownKind reports whether the supplied entity kind has a transition table.
func KnownKind(kind EntityKind) bool {
	_, ok := transitions[kind]
	return ok
}

// IsTerminal reports whether status is terminal for the given entity kind.
func IsTerminal(kind EntityKind, status Status) bool {
	set, ok := terminal[kind]
	if !ok {
		return false
	}
	_, ok = set[status]
	return ok
}

// AllowedTargets returns the declared targets reachable from the current
// status. The returned slice is a copy; callers may not mutate the table.
func AllowedTargets(kind EntityKind, current Status) []Status {
	edges, ok := transitions[kind]
	if !ok {
		return nil
	}
	targets := edges[current]
	if len(targets) == 0 {
		return nil
	}
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether the edge current -> target is declared for
// the entity kind. An empty target string is never a member of any target
// set and therefore always reports false.
func CanTransition(kind EntityKind, current, target Status) bool {
	edges, ok := transitions[kind]
	if !ok {
		return false
	}
	for _, allowed := range edges[current] {
		if allowed == target {
			return true
		}
	}
	return false
}
