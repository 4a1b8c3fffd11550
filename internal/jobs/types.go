package jobs

// Job type names shared by producers and handlers.
const (
	TypeSettle         = "settlement.process"
	TypeWebhookFanOut  = "webhook.fanout"
	TypeWebhookDeliver = "webhook.deliver"
)

// SettlePayload is the payload for TypeSettle jobs.
type SettlePayload struct {
	TransactionID string `json:"transaction_id"`
}

// FanOutPayload is the payload for TypeWebhookFanOut jobs.
type FanOutPayload struct {
	TransactionID string `json:"transaction_id"`
}

// DeliverPayload is the payload for TypeWebhookDeliver jobs.
type DeliverPayload struct {
	EndpointID    string `json:"endpoint_id"`
	TransactionID string `json:"transaction_id"`
}
