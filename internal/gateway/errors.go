package gateway

import "fmt"

// BrokerError is a failed broker API call. Transient errors (5xx, 429,
// network) are safe to retry; everything else means the request itself is
// wrong and retrying will not help.
type BrokerError struct {
	Op        string
	Status    int // 0 for transport-level failures
	Detail    string
	Transient bool
}

func (e *BrokerError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("broker %s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("broker %s: status %d: %s", e.Op, e.Status, e.Detail)
}

func brokerErr(op string, status int, detail string) *BrokerError {
	return &BrokerError{
		Op:        op,
		Status:    status,
		Detail:    detail,
		Transient: status == 0 || status == 429 || status >= 500,
	}
}
