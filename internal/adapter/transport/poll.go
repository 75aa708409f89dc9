package transport

import (
	"context"
	"encoding/json"

	"wheelhouse/internal/domain"
)

// The polled read path. History and task queries run on an interval
// (and on push notifications), so a flapping server would otherwise be
// hammered every tick; both go through the client's circuit breaker.

// GetMessages fetches the full transcript for a session.
func (c *Client) GetMessages(ctx context.Context, sessionID, cwd string) (*domain.HistoryResult, error) {
	raw, err := c.query(ctx, methodMessages, queryParams{SessionID: sessionID, Cwd: cwd})
	if err != nil {
		return nil, err
	}
	var res domain.HistoryResult
	// An omitted payload means no history yet, not a protocol error.
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, domain.NewDomainError("transport.messages", domain.ErrRPCFailed, err.Error())
		}
	}
	return &res, nil
}

// GetTasks fetches the current task list for a session.
func (c *Client) GetTasks(ctx context.Context, sessionID, cwd string) (*domain.TasksResult, error) {
	raw, err := c.query(ctx, methodTasks, queryParams{SessionID: sessionID, Cwd: cwd})
	if err != nil {
		return nil, err
	}
	var res domain.TasksResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, domain.NewDomainError("transport.tasks", domain.ErrRPCFailed, err.Error())
		}
	}
	return &res, nil
}

func (c *Client) query(ctx context.Context, method string, params queryParams) (json.RawMessage, error) {
	return c.breaker.Execute(func() (json.RawMessage, error) {
		qctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		return c.call(qctx, method, params)
	})
}
