package clients

import (
	"context"
	"fmt"

	"btc-payable/internal/domain"
	ws "btc-payable/internal/transport/websocket"
)

func OperatorTopic(operatorID int64) string {
	return fmt.Sprintf("operator:%d", operatorID)
}

func PayableTopic(ref domain.PayableRef) string {
	return "payable:" + ref.Key()
}

type WebSocketClient struct {
	hub *ws.Hub
}

func NewWebSocketClient(hub *ws.Hub) *WebSocketClient {
	return &WebSocketClient{
		hub: hub,
	}
}

func (c *WebSocketClient) NotifyExportProgress(
	ctx context.Context,
	operatorID int64,
	exportID string,
	progress float64,
	stage string,
) error {
	if c.hub == nil {
		return nil
	}

	data := map[string]any{
		"id":       exportID,
		"progress": progress,
	}
	if stage != "" {
		data["stage"] = stage
	}

	c.hub.Broadcast(OperatorTopic(operatorID), &ws.Message{
		Type:    "export_progress",
		Channel: fmt.Sprintf("notify_operator_of_progress_export#%d", operatorID),
		Data:    data,
	})
	return nil
}

func (c *WebSocketClient) NotifyExportComplete(
	ctx context.Context,
	operatorID int64,
	exportID string,
	url string,
	filename string,
) error {
	if c.hub == nil {
		return nil
	}

	c.hub.Broadcast(OperatorTopic(operatorID), &ws.Message{
		Type:    "export_complete",
		Channel: fmt.Sprintf("notify_operator_when_export_complete#%d", operatorID),
		Data: map[string]any{
			"id":          exportID,
			"url":         url,
			"filename":    filename,
			"operator_id": operatorID,
		},
	})
	return nil
}

func (c *WebSocketClient) NotifyExportFailed(ctx context.Context, operatorID int64, exportID string, errMsg string) error {
	if c.hub == nil {
		return nil
	}

	c.hub.Broadcast(OperatorTopic(operatorID), &ws.Message{
		Type:    "export_failed",
		Channel: fmt.Sprintf("notify_operator_when_export_failed#%d", operatorID),
		Data: map[string]any{
			"id":          exportID,
			"message":     errMsg,
			"operator_id": operatorID,
		},
	})
	return nil
}

// OnPaymentSettled pushes the settlement to clients watching the payable.
// The event is retained so a checkout page that subscribes late still sees it.
func (c *WebSocketClient) OnPaymentSettled(ctx context.Context, o domain.Obligation) error {
	if c.hub == nil {
		return nil
	}

	c.hub.Broadcast(PayableTopic(o.Payable), &ws.Message{
		Type:    "payment_settled",
		Channel: "payment_settled#" + o.Payable.Key(),
		Data:    domain.NewSettlementEvent(o),
		Retain:  true,
	})
	return nil
}
