package patreon

// ChargeStatusPaid is the last_charge_status of a member whose latest
// charge went through.
const ChargeStatusPaid = "Paid"

// PatronStatusDeclined is the patron_status of a member whose last charge
// was declined and who has not paid since.
const PatronStatusDeclined = "declined_patron"

// Member is the subset of a campaign member the eligibility policy reads.
type Member struct {
	ChargeStatus        string
	Delinquent          bool
	FreeTrial           bool
	EntitledTiers       int
	EntitledAmountCents *int
	WillPayAmountCents  *int
}

// PledgeCents returns the member's current pledge in cents, preferring the
// entitled amount over the scheduled one.
func (m Member) PledgeCents() int {
	switch {
	case m.EntitledAmountCents != nil:
		return *m.EntitledAmountCents
	case m.WillPayAmountCents != nil:
		return *m.WillPayAmountCents
	}
	return 0
}

// Eligible reports whether m qualifies for premium. A paying member needs a
// paid, non-delinquent charge, a pledge of at least minPledgeCents and an
// entitled tier. A member on a free trial only needs an entitled tier.
func Eligible(m Member, minPledgeCents int) bool {
	if m.EntitledTiers == 0 {
		return false
	}
	if m.ChargeStatus == ChargeStatusPaid && !m.Delinquent {
		return m.PledgeCents() >= minPledgeCents
	}
	return m.FreeTrial
}
