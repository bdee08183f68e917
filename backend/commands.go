package backend

import (
	"context"
	"encoding/json"
	"net/url"
)

// Reset sends the reset command to a panel.
func (c *Client) Reset(ctx context.Context, panel string) error {
	_, err := c.post(ctx, "reset "+panel, "/modbus/"+url.PathEscape(panel)+"/reset", nil)
	return err
}

// Emergency triggers the emergency stop of a panel.
func (c *Client) Emergency(ctx context.Context, panel string) error {
	_, err := c.post(ctx, "emergency "+panel, "/modbus/"+url.PathEscape(panel)+"/emergency", nil)
	return err
}

// ClearEmergency clears the plant-wide stop command.
func (c *Client) ClearEmergency(ctx context.Context) error {
	_, err := c.post(ctx, "clear emergency", "/cmd/parar/clear", nil)
	return err
}

// ResetConsumption zeroes a panel's energy counter.
func (c *Client) ResetConsumption(ctx context.Context, panel string) error {
	_, err := c.post(ctx, "reset consumption "+panel, "/consumption/"+url.PathEscape(panel)+"/reset", nil)
	return err
}

// ConsumptionResetDate returns the date of the last consumption reset as
// reported by the backend, or "" if it has never been reset.
func (c *Client) ConsumptionResetDate(ctx context.Context, panel string) (string, error) {
	path := "/consumption/" + url.PathEscape(panel) + "/reset-date"
	body, err := c.get(ctx, "reset date "+panel, path)
	if err != nil {
		return "", err
	}
	var resp struct {
		Date *string `json:"date"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &MalformedResponse{Path: path, Err: err}
	}
	if resp.Date == nil {
		return "", nil
	}
	return *resp.Date, nil
}
