package orders

import "fmt"

type OutcomeKind int

const (
	// OutcomeProcessed means the order moved to PROCESSED and its event was emitted.
	OutcomeProcessed OutcomeKind = iota + 1
	// OutcomeSkipped means the order was already terminal; nothing was written or emitted.
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the successful result of ProcessPlacement. Failures are reported
// through the accompanying error instead.
type Outcome struct {
	Kind    OutcomeKind
	OrderID string
	Reason  string
}

func Processed(orderID string) Outcome {
	return Outcome{Kind: OutcomeProcessed, OrderID: orderID}
}

func Skipped(orderID, reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, OrderID: orderID, Reason: reason}
}
