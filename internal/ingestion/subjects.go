package ingestion

import (
	"fmt"
	"strconv"
	"strings"

	"EqualisLedger/internal/event"
)

// Command subjects are equalis.cmd.<domain>.<action>.<pool>. Every command
// lands on one stream so a single consumer sees them in publish order.
const (
	CommandStream  = "EQUALIS_COMMANDS"
	CommandSubject = "equalis.cmd.>"
	commandPrefix  = "equalis.cmd."
)

// Route binds one <domain>.<action> pair to an event type.
type Route struct {
	Domain    string
	Action    string
	EventType event.EventType
}

// Subject is the wildcard subject for the route across all pools.
func (r Route) Subject() string {
	return fmt.Sprintf("%s%s.%s.>", commandPrefix, r.Domain, r.Action)
}

// SubjectFor is the concrete subject a producer publishes to.
func (r Route) SubjectFor(poolID uint32) string {
	return fmt.Sprintf("%s%s.%s.%d", commandPrefix, r.Domain, r.Action, poolID)
}

// Routes lists every command the ledger accepts.
func Routes() []Route {
	return []Route{
		{"pools", "created", event.EventTypePoolCreated},
		{"pools", "paused", event.EventTypePoolPaused},
		{"pools", "config", event.EventTypePoolConfigUpdated},
		{"lending", "deposit", event.EventTypeDeposit},
		{"lending", "withdraw", event.EventTypeWithdraw},
		{"lending", "borrow", event.EventTypeBorrow},
		{"lending", "repay", event.EventTypeRepay},
		{"lending", "claim", event.EventTypeClaimYield},
		{"agreements", "offer_posted", event.EventTypeOfferPosted},
		{"agreements", "offer_cancelled", event.EventTypeOfferCancelled},
		{"agreements", "offer_accepted", event.EventTypeOfferAccepted},
		{"agreements", "repaid", event.EventTypeAgreementRepaid},
		{"agreements", "defaulted", event.EventTypeAgreementDefaulted},
		{"collateral", "locked", event.EventTypeCollateralLocked},
		{"collateral", "released", event.EventTypeCollateralReleased},
		{"collateral", "loss_settled", event.EventTypeLossSettled},
		{"index", "minted", event.EventTypeIndexMinted},
		{"index", "burned", event.EventTypeIndexBurned},
		{"risk", "liquidate", event.EventTypeLiquidate},
		{"fees", "collected", event.EventTypeFeeCollected},
	}
}

var routeIndex = func() map[string]event.EventType {
	m := make(map[string]event.EventType)
	for _, r := range Routes() {
		m[r.Domain+"."+r.Action] = r.EventType
	}
	return m
}()

// RouteFor returns the route of an event type.
func RouteFor(t event.EventType) (Route, bool) {
	for _, r := range Routes() {
		if r.EventType == t {
			return r, true
		}
	}
	return Route{}, false
}

// ParseSubject resolves a command subject into its event type and, when
// the subject carries one, the pool id.
func ParseSubject(subject string) (event.EventType, *uint32, error) {
	if !strings.HasPrefix(subject, commandPrefix) {
		return event.EventTypeUnknown, nil, fmt.Errorf("subject %q: not a command subject", subject)
	}
	tokens := strings.Split(strings.TrimPrefix(subject, commandPrefix), ".")
	if len(tokens) < 2 {
		return event.EventTypeUnknown, nil, fmt.Errorf("subject %q: missing action", subject)
	}
	t, ok := routeIndex[tokens[0]+"."+tokens[1]]
	if !ok {
		return event.EventTypeUnknown, nil, fmt.Errorf("subject %q: unknown command", subject)
	}
	if len(tokens) < 3 {
		return t, nil, nil
	}
	id, err := strconv.ParseUint(tokens[2], 10, 32)
	if err != nil {
		return event.EventTypeUnknown, nil, fmt.Errorf("subject %q: pool token: %w", subject, err)
	}
	pool := uint32(id)
	return t, &pool, nil
}
