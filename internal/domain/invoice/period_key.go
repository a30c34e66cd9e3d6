package invoice

import (
	"fmt"
	"time"

	"github.com/flexprice/billingengine/internal/types"
)

// PeriodKey identifies a billed period of a subscription independently of how many
// times billing ran. Entries billing the subscription fee share one key space keyed
// by the fee window, so a trial ended fee is never billed again for a period the
// periodic run already covered. Charges only entries (monthly sub windows of long
// intervals, pay in advance charges) are keyed by both windows.
func PeriodKey(subscriptionID string, reason types.InvoicingReason, feeBilled bool, from, to, chargesFrom, chargesTo time.Time) string {
	group := string(reason)
	if feeBilled && reason.BillsSubscriptionFee() {
		group = "fee"
		chargesFrom, chargesTo = time.Time{}, time.Time{}
	}
	return fmt.Sprintf("%s|%s|%d|%d|%d|%d",
		subscriptionID, group,
		unixOrZero(from), unixOrZero(to),
		unixOrZero(chargesFrom), unixOrZero(chargesTo))
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}
