package types

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/teris-io/shortid"
)

// GenerateUUID returns a k-sortable unique identifier
func GenerateUUID() string {
	return ulid.Make().String()
}

// GenerateUUIDWithPrefix returns a k-sortable unique identifier
// with a prefix ex inv_01HZX3R0N6W9T3QK5V8J2M4C7B
func GenerateUUIDWithPrefix(prefix string) string {
	if prefix == "" {
		return GenerateUUID()
	}
	return fmt.Sprintf("%s_%s", prefix, GenerateUUID())
}

var (
	sidGenerator *shortid.Shortid
	sidOnce      sync.Once
)

func initializeSID() {
	var err error
	sidGenerator, err = shortid.New(1, shortid.DefaultABC, 2342)
	if err != nil {
		panic("failed to initialize shortid generator: " + err.Error())
	}
}

// GenerateShortIDWithPrefix returns an upper-cased short ID with a prefix,
// capped at 12 characters, e.g. `INV-XYZ12A8Q`.
func GenerateShortIDWithPrefix(prefix string) string {
	sidOnce.Do(initializeSID)

	id, err := sidGenerator.Generate()
	if err != nil {
		return ""
	}
	id = strings.ReplaceAll(id, "-", "")

	availableLen := 12 - len(prefix)
	if availableLen <= 0 {
		return ""
	}
	if len(id) > availableLen {
		id = id[:availableLen]
	}

	return strings.ToUpper(prefix + id)
}

const (
	UUID_PREFIX_CUSTOMER                = "cust"
	UUID_PREFIX_BILLABLE_METRIC         = "bm"
	UUID_PREFIX_PLAN                    = "plan"
	UUID_PREFIX_CHARGE                  = "chrg"
	UUID_PREFIX_CHARGE_FILTER           = "cf"
	UUID_PREFIX_FIXED_CHARGE            = "fxc"
	UUID_PREFIX_USAGE_THRESHOLD         = "ut"
	UUID_PREFIX_SUBSCRIPTION            = "subs"
	UUID_PREFIX_EVENT                   = "event"
	UUID_PREFIX_INVOICE                 = "inv"
	UUID_PREFIX_INVOICE_SUBSCRIPTION    = "invsub"
	UUID_PREFIX_FEE                     = "fee"
	UUID_PREFIX_APPLIED_USAGE_THRESHOLD = "aut"
	UUID_PREFIX_APPLIED_COUPON          = "cpn"
	UUID_PREFIX_CREDIT_NOTE             = "cn"
	UUID_PREFIX_CREDIT_NOTE_ITEM        = "cn_item"
	UUID_PREFIX_WALLET                  = "wallet"
	UUID_PREFIX_WALLET_TRANSACTION      = "wtxn"
	UUID_PREFIX_WALLET_CONSUMPTION      = "wcons"
	UUID_PREFIX_RECURRING_RULE          = "rtr"
	UUID_PREFIX_PAYMENT                 = "pay"
)

const (
	SHORT_ID_PREFIX_INVOICE     = "INV-"
	SHORT_ID_PREFIX_CREDIT_NOTE = "CN-"
)
