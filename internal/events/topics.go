package events

// Topics emitted by the payment confirmation flow.
const (
	TopicOrderPaid            = "order.paid"
	TopicOrderOnHold          = "order.on_hold"
	TopicOrderReadyForCapture = "order.ready_for_capture"
	TopicSessionExpired       = "session.expired"
)
