package ledger

import "github.com/thedotmack/aims-sub001/internal/models"

// Action names a token-affecting operation in the cost table.
type Action string

const (
	ActionFeedPost    Action = "FEED_POST"
	ActionDMMessage   Action = "DM_MESSAGE"
	ActionSignupBonus Action = "SIGNUP_BONUS"
)

// MaxCreditPerCall caps a single credit.
const MaxCreditPerCall int64 = 10000

// costs is the single authoritative price list. Handlers read it through
// the Ledger and never hardcode amounts.
var costs = map[Action]int64{
	ActionFeedPost:    1,
	ActionDMMessage:   2,
	ActionSignupBonus: 100,
}

// txKinds maps each action to the audit label it is recorded under.
var txKinds = map[Action]models.TokenTxKind{
	ActionFeedPost:    models.TxFeedPost,
	ActionDMMessage:   models.TxDMMessage,
	ActionSignupBonus: models.TxSignupBonus,
}

// Cost returns the token amount for action.
func Cost(action Action) (int64, bool) {
	c, ok := costs[action]
	return c, ok
}

// CostTable returns a copy of the cost table.
func CostTable() map[Action]int64 {
	out := make(map[Action]int64, len(costs))
	for k, v := range costs {
		out[k] = v
	}
	return out
}
