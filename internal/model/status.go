package model

// DeliveryStatus is the externally visible delivery state of a document
type DeliveryStatus string

const (
	StatusScheduledToDeliver DeliveryStatus = "SCHEDULED_TO_DELIVER"
	StatusDelivering         DeliveryStatus = "DELIVERING"
	StatusDelivered          DeliveryStatus = "DELIVERED"
	StatusFailed             DeliveryStatus = "FAILED"
)

// String returns the wire name of the status
func (s DeliveryStatus) String() string {
	return string(s)
}

// IsValid returns true for the four known statuses
func (s DeliveryStatus) IsValid() bool {
	switch s {
	case StatusScheduledToDeliver, StatusDelivering, StatusDelivered, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once the dispatcher is done with the document
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// CanTransitionTo reports whether next is a legal edge from s.
// DELIVERING -> DELIVERING is allowed so the owning worker can record
// attempts and ticket sub-states without changing the visible status.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	switch s {
	case StatusScheduledToDeliver:
		return next == StatusDelivering
	case StatusDelivering:
		return next == StatusDelivering || next == StatusDelivered || next == StatusFailed
	default:
		return false
	}
}

// Remote outcome short codes reported in SunatStatus.Status
const (
	SunatAccepted   = "ACEPTADO"
	SunatRejected   = "RECHAZADO"
	SunatException  = "EXCEPCION"
	SunatProcessing = "EN_PROCESO"
	SunatError      = "ERROR"
)
