package ingest

import (
	"context"

	"github.com/google/uuid"
)

// HandleMessage ingests a JSON report delivered by a broker. It returns an
// error when the report was not stored, so the delivery can be dead-lettered.
func (p *Pipeline) HandleMessage(ctx context.Context, messageID string, body []byte) error {
	return p.HandleMessageFrom(ctx, messageID, "", body)
}

// HandleMessageFrom is HandleMessage with a fallback external id, used when
// the transport carries the device identity outside the payload.
func (p *Pipeline) HandleMessageFrom(ctx context.Context, messageID, fallbackID string, body []byte) error {
	if messageID == "" {
		messageID = uuid.New().String()
	}

	payload, err := DecodePayload(body)
	if err != nil {
		return err
	}
	if payload.Identifier() == "" {
		payload.ExternalID = DeviceID(fallbackID)
	}

	_, err = p.Ingest(ctx, messageID, payload)
	return err
}
