package execution

import (
	"context"
	"errors"
	"fmt"
	"net"

	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/entity/position"

	"github.com/shopspring/decimal"
)

// OrderRequest is one broker order. ClientID is stable across retries of the
// same leg so the broker can deduplicate.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       position.Direction
	Quantity   int64
	LimitPrice decimal.Decimal
	Tag        string
}

// Fill is the broker's execution report for one order.
type Fill struct {
	BrokerRef string
	Price     decimal.Decimal
	Quantity  int64
}

// Broker is the order-placement boundary.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	CancelAll(ctx context.Context) error
	Positions(ctx context.Context) ([]position.BrokerPosition, error)
}

// BrokerError carries the queue error class of a broker failure.
type BrokerError struct {
	Class command.ErrorClass
	Err   error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError wraps err with class.
func NewBrokerError(class command.ErrorClass, err error) *BrokerError {
	return &BrokerError{Class: class, Err: err}
}

// Classify maps any error onto the queue's error taxonomy.
func Classify(err error) command.ErrorClass {
	if err == nil {
		return ""
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return command.ErrorNetworkTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return command.ErrorNetworkTimeout
	}
	return command.ErrorUnknown
}
