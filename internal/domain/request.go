package domain

// Request is one unit of forecast work handed to the worker: a single line
// item for availability, a batch of competing line items for delivery.
type Request interface {
	ForecastType() ForecastType
	Members() []int64
}

// AvailabilityRequest forecasts a single line item.
type AvailabilityRequest struct {
	LineItemID int64
}

func (r AvailabilityRequest) ForecastType() ForecastType { return ForecastAvailability }

func (r AvailabilityRequest) Members() []int64 { return []int64{r.LineItemID} }

// DeliveryRequest forecasts a batch of competing line items together.
type DeliveryRequest struct {
	LineItemIDs []int64
	BatchID     int64
}

func (r DeliveryRequest) ForecastType() ForecastType { return ForecastDelivery }

func (r DeliveryRequest) Members() []int64 { return r.LineItemIDs }
