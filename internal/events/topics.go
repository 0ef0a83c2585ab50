package events

// Topic constants for domain events emitted after payment reconciliation.
const (
	TopicOrderPaid     = "order.paid"
	TopicPaymentFailed = "payment.failed"
	TopicPaymentCancel = "payment.canceled"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicOrderPaid,
		TopicPaymentFailed,
		TopicPaymentCancel,
	}
}
