package fsm

import "testing"

func TestEscrowTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		allowed  bool
	}{
		{EscrowPending, EscrowPaid, true},
		{EscrowPending, EscrowCancelled, true},
		{EscrowPending, EscrowReleased, false},
		{EscrowPaid, EscrowReleasing, true},
		{EscrowPaid, EscrowReleased, true},
		{EscrowPaid, EscrowRefunded, true},
		{EscrowPaid, EscrowDisputed, true},
		{EscrowPaid, EscrowCancelled, false},
		{EscrowReleasing, EscrowReleased, true},
		{EscrowReleasing, EscrowPaid, true},
		{EscrowReleasing, EscrowRefunded, false},
		{EscrowDisputed, EscrowReleased, true},
		{EscrowDisputed, EscrowRefunded, true},
		{EscrowDisputed, EscrowPaid, false},
	}
	for _, tc := range cases {
		if got := CanTransition(KindEscrow, tc.from, tc.to); got != tc.allowed {
			t.Errorf("escrow %s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminals := []struct {
		kind   EntityKind
		status Status
	}{
		{KindEscrow, EscrowReleased},
		{KindEscrow, EscrowRefunded},
		{KindEscrow, EscrowCancelled},
		{KindInquiry, InquiryCompleted},
		{KindInquiry, InquiryClosed},
		{KindOffer, OfferAccepted},
		{KindOffer, OfferRejected},
	}
	for _, tc := range terminals {
		if !IsTerminal(tc.kind, tc.status) {
			t.Errorf("%s %s should be terminal", tc.kind, tc.status)
		}
		if targets := AllowedTargets(tc.kind, tc.status); len(targets) != 0 {
			t.Errorf("%s %s is terminal but declares targets %v", tc.kind, tc.status, targets)
		}
	}

	live := []struct {
		kind   EntityKind
		status Status
	}{
		{KindEscrow, EscrowPending},
		{KindEscrow, EscrowPaid},
		{KindEscrow, EscrowReleasing},
		{KindEscrow, EscrowDisputed},
		{KindInquiry, InquiryPending},
		{KindOffer, OfferSent},
	}
	for _, tc := range live {
		if IsTerminal(tc.kind, tc.status) {
			t.Errorf("%s %s should not be terminal", tc.kind, tc.status)
		}
	}
}

func TestInquiryAndOfferTables(t *testing.T) {
	if !CanTransition(KindInquiry, InquiryPending, InquiryOfferReceived) {
		t.Error("inquiry pending should accept offer_received")
	}
	if !CanTransition(KindInquiry, InquiryAccepted, InquiryCompleted) {
		t.Error("accepted inquiry should complete")
	}
	if CanTransition(KindInquiry, InquiryPending, InquiryCompleted) {
		t.Error("inquiry cannot skip straight to completed")
	}
	if !CanTransition(KindOffer, OfferSent, OfferAccepted) {
		t.Error("sent offer should accept")
	}
	if CanTransition(KindOffer, OfferAccepted, OfferRejected) {
		t.Error("accepted offer is terminal")
	}
}

func TestUnknownKindAndStatus(t *testing.T) {
	if KnownKind("invoice") {
		t.Error("invoice should not be a known kind")
	}
	if CanTransition(KindEscrow, "nonsense", EscrowPaid) {
		t.Error("unknown source status must not transition")
	}
	if CanTransition(KindEscrow, EscrowPaid, "") {
		t.Error("empty target must not transition")
	}
}
