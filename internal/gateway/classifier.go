package gateway

// Classification says whether a declined charge is worth retrying on the
// alternate gateway.
type Classification int

const (
	// RetryAlternate marks declines caused by the gateway or issuer (risk
	// score, blacklist, duplicate guard, call-for-authorization, attempt
	// limits). The customer's data is fine, so another gateway may approve.
	RetryAlternate Classification = iota
	// TerminalClientError marks declines caused by the data the customer
	// typed. No gateway will approve until the customer corrects it.
	TerminalClientError
	// Unknown marks codes in neither set. The orchestrator treats Unknown
	// like RetryAlternate: prefer attempting recovery over surfacing an
	// error for an unrecognized condition.
	Unknown
)

func (c Classification) String() string {
	switch c {
	case RetryAlternate:
		return "retry_alternate"
	case TerminalClientError:
		return "terminal_client_error"
	default:
		return "unknown"
	}
}

var retryableDeclines = map[string]struct{}{
	"cc_rejected_high_risk":          {},
	"cc_rejected_blacklist":          {},
	"cc_rejected_other_reason":       {},
	"cc_rejected_call_for_authorize": {},
	"cc_rejected_duplicated_payment": {},
	"cc_rejected_max_attempts":       {},
}

var terminalDeclines = map[string]struct{}{
	"cc_rejected_bad_filled_card_number":   {},
	"cc_rejected_bad_filled_security_code": {},
	"cc_rejected_bad_filled_date":          {},
	"cc_rejected_bad_filled_other":         {},
	"cc_rejected_invalid_installments":     {},
}

// Classify maps a gateway-native decline code to a Classification. Pure and
// total: any code outside both tables is Unknown.
func Classify(declineCode string) Classification {
	if _, ok := terminalDeclines[declineCode]; ok {
		return TerminalClientError
	}
	if _, ok := retryableDeclines[declineCode]; ok {
		return RetryAlternate
	}
	return Unknown
}
