package viiperlink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// APIError is a problem+json error returned by the server.
type APIError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// Is lets errors.Is(err, ErrUnauthorized) match a 401 from the server.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == 401
}

type busListResponse struct {
	Buses []uint32 `json:"buses"`
}

type busResponse struct {
	BusID uint32 `json:"busId"`
}

// Device is a device attached to a virtual bus.
type Device struct {
	BusID uint32 `json:"busId"`
	DevID string `json:"devId"`
	Vid   string `json:"vid"`
	Pid   string `json:"pid"`
	Type  string `json:"type"`
}

type deviceCreateRequest struct {
	Type string `json:"type"`
}

type deviceRemoveResponse struct {
	BusID uint32 `json:"busId"`
	DevID string `json:"devId"`
}

// Client wraps the management endpoints this program needs.
type Client struct {
	t *Transport
}

func NewClient(t *Transport) *Client { return &Client{t: t} }

func (c *Client) BusList(ctx context.Context) ([]uint32, error) {
	raw, err := c.t.Do(ctx, "bus/list", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := parse[busListResponse](raw)
	if err != nil {
		return nil, err
	}
	return out.Buses, nil
}

// BusCreate creates a bus. busID 0 lets the server choose the number.
func (c *Client) BusCreate(ctx context.Context, busID uint32) (uint32, error) {
	var payload any
	if busID != 0 {
		payload = strconv.FormatUint(uint64(busID), 10)
	}
	raw, err := c.t.Do(ctx, "bus/create", payload, nil)
	if err != nil {
		return 0, err
	}
	out, err := parse[busResponse](raw)
	if err != nil {
		return 0, err
	}
	return out.BusID, nil
}

func (c *Client) BusRemove(ctx context.Context, busID uint32) error {
	raw, err := c.t.Do(ctx, "bus/remove", strconv.FormatUint(uint64(busID), 10), nil)
	if err != nil {
		return err
	}
	_, err = parse[busResponse](raw)
	return err
}

// DeviceAdd attaches a new device of devType ("xbox360") to busID.
func (c *Client) DeviceAdd(ctx context.Context, busID uint32, devType string) (*Device, error) {
	params := map[string]string{"id": strconv.FormatUint(uint64(busID), 10)}
	raw, err := c.t.Do(ctx, "bus/{id}/add", deviceCreateRequest{Type: devType}, params)
	if err != nil {
		return nil, err
	}
	return parse[Device](raw)
}

func (c *Client) DeviceRemove(ctx context.Context, busID uint32, devID string) error {
	params := map[string]string{"id": strconv.FormatUint(uint64(busID), 10)}
	raw, err := c.t.Do(ctx, "bus/{id}/remove", devID, params)
	if err != nil {
		return err
	}
	_, err = parse[deviceRemoveResponse](raw)
	return err
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem APIError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	if err := json.NewDecoder(bytes.NewReader([]byte(data))).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
