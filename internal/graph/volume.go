package graph

// Degree profile thresholds for merchant and payroll accounts.
const (
	// MerchantMinIn is the in-degree a merchant must exceed.
	MerchantMinIn = 50
	// MerchantMaxOut is the out-degree a merchant must stay below.
	MerchantMaxOut = 5
	// PayrollMinOut is the out-degree a payroll account must exceed.
	PayrollMinOut = 50
	// PayrollMaxIn is the largest in-degree a payroll account may have.
	PayrollMaxIn = 2
)

// IsLegitimateHighVolume reports whether node n looks like a merchant (many
// payers, rare payouts) or a payroll account (many payees, rare funding).
// Degrees are transaction counts.
func (g *Graph) IsLegitimateHighVolume(n int) bool {
	in, out := len(g.in[n]), len(g.out[n])
	if in > MerchantMinIn && out < MerchantMaxOut {
		return true
	}
	return out > PayrollMinOut && in <= PayrollMaxIn
}
