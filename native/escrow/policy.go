package escrow

// Operation identifies an externally invocable ledger operation for
// authorization purposes.
type Operation uint8

const (
	OpDepositFunds Operation = iota + 1
	OpReleaseFunds
	OpInitiateDispute
	OpResolveDispute
	OpCancelAgreement
	OpDepositStake
	OpSetServiceFee
)

// authzContext carries everything a role rule may inspect: the agreement the
// caller is acting on (nil for global operations) and the global owner
// authority.
type authzContext struct {
	agreement *Agreement
	caller    Address
	owner     Address
}

type roleRule struct {
	allowed func(authzContext) bool
	message string
}

// The per-operation caller-role table. Roles are checked against the specific
// agreement's registered parties, never a global role. The messages are part
// of the compatibility surface.
var authzRules = map[Operation]roleRule{
	OpDepositFunds: {
		allowed: func(c authzContext) bool { return c.agreement != nil && c.agreement.IsBuyer(c.caller) },
		message: "Only buyers can deposit funds",
	},
	OpReleaseFunds: {
		allowed: func(c authzContext) bool { return c.agreement != nil && c.agreement.IsBuyer(c.caller) },
		message: "Only buyers can release funds",
	},
	OpInitiateDispute: {
		allowed: func(c authzContext) bool { return c.agreement != nil && c.agreement.IsParty(c.caller) },
		message: "Only agreement parties can initiate a dispute",
	},
	OpResolveDispute: {
		allowed: func(c authzContext) bool { return c.caller == c.owner },
		message: "Only owner can resolve disputes",
	},
	OpCancelAgreement: {
		allowed: func(c authzContext) bool { return c.agreement != nil && c.agreement.IsParty(c.caller) },
		message: "Only agreement parties can cancel",
	},
	OpDepositStake: {
		allowed: func(c authzContext) bool { return c.agreement != nil && c.agreement.IsParty(c.caller) },
		message: "Only agreement parties can stake",
	},
	OpSetServiceFee: {
		allowed: func(c authzContext) bool { return c.caller == c.owner },
		message: "Only owner can set fee",
	},
}

// authorize evaluates the role table for the operation and returns a
// NotAuthorized rejection carrying the operation's message when the caller
// does not hold the required role.
func authorize(op Operation, agreement *Agreement, caller, owner Address) error {
	rule, ok := authzRules[op]
	if !ok {
		return revert(KindNotAuthorized, "Unknown operation")
	}
	if !rule.allowed(authzContext{agreement: agreement, caller: caller, owner: owner}) {
		return revert(KindNotAuthorized, rule.message)
	}
	return nil
}
