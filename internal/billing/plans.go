package billing

import (
	"sort"

	"github.com/celebthumb-ai/internal/apperr"
)

const FreePlan = "free"

type Plan struct {
	ID      string
	Name    string
	PriceID string
	// Credits is granted once per billing period.
	Credits int
	// CreditCeiling caps the balance a periodic grant can raise the user to.
	CreditCeiling int
	PricePerMonth float64
	Features      []string
}

// Paid reports whether the plan is billed through the payment provider.
func (p Plan) Paid() bool { return p.PriceID != "" }

var Plans = map[string]Plan{
	FreePlan: {
		ID:            FreePlan,
		Name:          "Free Tier",
		Credits:       10,
		CreditCeiling: 30,
		Features:      []string{"10 thumbnails per month", "Basic styles", "Standard quality"},
	},
	"pro": {
		ID:            "pro",
		Name:          "Pro",
		PriceID:       "price_pro",
		Credits:       100,
		CreditCeiling: 300,
		PricePerMonth: 29.99,
		Features:      []string{"100 thumbnails per month", "Advanced styles", "HD quality", "Priority processing"},
	},
	"enterprise": {
		ID:            "enterprise",
		Name:          "Enterprise",
		PriceID:       "price_enterprise",
		Credits:       1000,
		CreditCeiling: 3000,
		PricePerMonth: 199.99,
		Features:      []string{"1000 thumbnails per month", "Custom styles", "4K quality", "Dedicated support", "API access"},
	},
}

func LookupPlan(id string) (Plan, error) {
	plan, ok := Plans[id]
	if !ok {
		return Plan{}, apperr.Invalid("planId", "unknown plan "+id)
	}
	return plan, nil
}

// Catalog lists the plans cheapest first.
func Catalog() []Plan {
	out := make([]Plan, 0, len(Plans))
	for _, p := range Plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PricePerMonth < out[j].PricePerMonth })
	return out
}

// grantAmount is the periodic grant clipped so the balance stays at or below
// the plan's ceiling.
func (p Plan) grantAmount(balance int) int {
	room := p.CreditCeiling - balance
	if room <= 0 {
		return 0
	}
	return min(p.Credits, room)
}
