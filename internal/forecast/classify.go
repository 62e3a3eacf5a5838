package forecast

import "errors"

// Class partitions remote call failures.
type Class int

const (
	// ClassTransient means retry with backoff, batch unchanged.
	ClassTransient Class = iota
	// ClassAttributable means one specific line item cannot be forecast.
	ClassAttributable
)

// Classification is the result of classifying one remote error against the
// batch that produced it.
type Classification struct {
	Class      Class
	LineItemID int64  // set for ClassAttributable
	Reason     string // set for ClassAttributable
}

// Classify partitions a remote call error. Quota, internal and unavailable
// errors are transient. An error referencing a line item in the submitted
// batch is attributed to that item. Any other remote payload is attributed
// to the first element of the batch. Errors that are not RemoteError values
// (transport failures, timeouts surfaced as errors) are transient.
// Pure: no side effects, no retries decided here.
func Classify(err error, batch []int64) Classification {
	var re *RemoteError
	if !errors.As(err, &re) {
		return Classification{Class: ClassTransient}
	}

	switch re.Code {
	case CodeQuotaExceeded, CodeInternalError, CodeServerUnavailable:
		return Classification{Class: ClassTransient}
	}

	if re.LineItemID != 0 && contains(batch, re.LineItemID) {
		return Classification{Class: ClassAttributable, LineItemID: re.LineItemID, Reason: re.Message}
	}

	if len(batch) == 0 {
		return Classification{Class: ClassTransient}
	}
	return Classification{Class: ClassAttributable, LineItemID: batch[0], Reason: re.Message}
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
