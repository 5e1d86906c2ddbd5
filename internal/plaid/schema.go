package plaid

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed webhook.schema.json
var webhookSchemaJSON []byte

const webhookSchemaURL = "webhook.schema.json"

var webhookSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(webhookSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(webhookSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("load webhook schema: %w", err)
	}
	return c.Compile(webhookSchemaURL)
})

// DecodeWebhook validates body against the webhook schema and decodes it.
func DecodeWebhook(body []byte) (Webhook, error) {
	sch, err := webhookSchema()
	if err != nil {
		return Webhook{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Webhook{}, fmt.Errorf("invalid webhook json: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return Webhook{}, fmt.Errorf("invalid webhook: %w", err)
	}

	var wh Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Webhook{}, fmt.Errorf("decode webhook: %w", err)
	}
	return wh, nil
}
