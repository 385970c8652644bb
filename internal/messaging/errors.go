package messaging

import "errors"

// ErrRequeue marks a handler failure as infrastructural: the delivery should
// return to the queue and be retried, because the step is not complete until
// its persistence succeeds.
var ErrRequeue = errors.New("requeue delivery")
