package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/killertux/aledger/internal/errs"
)

const condGreaterThanOrEqualTo = "greater_than_or_equal_to"

// Conditional is a precondition on a post-application balance. The only
// kind today is GreaterThanOrEqualTo; the JSON form stays tagged so more
// kinds can be added without breaking clients.
type Conditional struct {
	Balance BalanceName
	Value   decimal.Decimal
}

// GreaterThanOrEqualTo builds a conditional requiring balance >= value after
// the entry is applied.
func GreaterThanOrEqualTo(balance BalanceName, value decimal.Decimal) Conditional {
	return Conditional{Balance: balance, Value: value}
}

// Holds evaluates the conditional against a balance vector. A missing
// balance counts as zero.
func (c Conditional) Holds(balances map[BalanceName]decimal.Decimal) bool {
	return balances[c.Balance].GreaterThanOrEqual(c.Value)
}

func (c Conditional) String() string {
	return fmt.Sprintf("%s >= %s", c.Balance, c.Value)
}

type conditionalBody struct {
	Balance BalanceName     `json:"balance"`
	Value   decimal.Decimal `json:"value"`
}

func (c Conditional) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]conditionalBody{
		condGreaterThanOrEqualTo: {Balance: c.Balance, Value: c.Value},
	})
}

func (c *Conditional) UnmarshalJSON(b []byte) error {
	var tagged map[string]conditionalBody
	if err := json.Unmarshal(b, &tagged); err != nil {
		return fmt.Errorf("%w: malformed conditional", errs.ErrInvalid)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: malformed conditional", errs.ErrInvalid)
	}
	for kind, body := range tagged {
		if kind != condGreaterThanOrEqualTo {
			return fmt.Errorf("%w: unknown conditional %q", errs.ErrInvalid, kind)
		}
		c.Balance = body.Balance
		c.Value = body.Value
	}
	return nil
}
