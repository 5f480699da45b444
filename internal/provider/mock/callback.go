package mock

import (
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/mediaforge/internal/provider/adapter"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

func decodeJSONCallback(body []byte) (models.Callback, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return models.Callback{}, fmt.Errorf("%w: %v", adapter.ErrMalformed, err)
	}
	cb := models.Callback{
		TaskID:       adapter.String(fields, "task_id"),
		ConversionID: adapter.String(fields, "conversion_id"),
		Status:       models.ProviderStatusSucceeded,
		Message:      adapter.String(fields, "message"),
	}
	if adapter.String(fields, "status") == "failed" {
		cb.Status = models.ProviderStatusFailed
	}
	if cb.Status == models.ProviderStatusSucceeded && cb.ConversionID == "" {
		return models.Callback{}, fmt.Errorf("%w: missing conversion_id", adapter.ErrMalformed)
	}
	cb.Result = models.RawResult{TaskID: cb.TaskID, ConversionID: cb.ConversionID, Ready: true, Fields: fields}
	return cb, nil
}
