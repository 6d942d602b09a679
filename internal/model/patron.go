package model

// Patron is one member of the creator's campaign as seen during a single
// sync pass. Email is lower-cased.
type Patron struct {
	PatreonUserID     string
	Email             string
	Active            bool
	PledgeAmountCents int
	FreeTrial         bool
}
