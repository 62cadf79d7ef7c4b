package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"courier-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// Driver locations are ephemeral: if Redis loses them the next location
// update repopulates the key, and order state is always recoverable from
// the durable store. Locations expire so a driver that goes offline stops
// appearing at their last coordinate indefinitely.
const locationTTL = 5 * time.Minute

// activeOrderTTL bounds how long a driver-to-order mapping can outlive a
// missed cleanup. Lookups fall back to the database and repopulate it.
const activeOrderTTL = 12 * time.Hour

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetDriverLocation stores a driver's last known coordinates.
func (c *Client) SetDriverLocation(ctx context.Context, driverID string, lat, lon float64) error {
	key := fmt.Sprintf("driver_location:%s", driverID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "lat", lat, "lon", lon)
	pipe.Expire(ctx, key, locationTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store driver location: %w", err)
	}
	return nil
}

// GetDriverLocation retrieves a driver's last known coordinates. Returns
// nil when no recent location is known.
func (c *Client) GetDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	key := fmt.Sprintf("driver_location:%s", driverID)

	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(result["lat"], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed driver location for %s: %w", driverID, err)
	}
	lon, err := strconv.ParseFloat(result["lon"], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed driver location for %s: %w", driverID, err)
	}

	return &models.DriverLocation{Lat: lat, Lon: lon}, nil
}

// DeleteDriverLocation removes a driver's cached coordinates.
func (c *Client) DeleteDriverLocation(ctx context.Context, driverID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("driver_location:%s", driverID)).Err()
}

// SetOrderStatus caches the order's current lifecycle state for cheap
// status lookups. Advisory only; the store remains the source of truth.
func (c *Client) SetOrderStatus(ctx context.Context, orderID, status string) error {
	return c.rdb.Set(ctx, fmt.Sprintf("order_status:%s", orderID), status, 0).Err()
}

// GetOrderStatus retrieves the cached lifecycle state, or "" on a miss.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	status, err := c.rdb.Get(ctx, fmt.Sprintf("order_status:%s", orderID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return status, err
}

// DeleteOrderStatus removes the cached lifecycle state.
func (c *Client) DeleteOrderStatus(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("order_status:%s", orderID)).Err()
}

// SetActiveOrderForDriver caches which order a driver is currently working,
// so location fan-out does not hit the database on every update.
func (c *Client) SetActiveOrderForDriver(ctx context.Context, driverID, orderID string) error {
	return c.rdb.Set(ctx, fmt.Sprintf("driver_active_order:%s", driverID), orderID, activeOrderTTL).Err()
}

// GetActiveOrderForDriver returns the cached active order id, or "" on a miss.
func (c *Client) GetActiveOrderForDriver(ctx context.Context, driverID string) (string, error) {
	orderID, err := c.rdb.Get(ctx, fmt.Sprintf("driver_active_order:%s", driverID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return orderID, err
}

// DeleteActiveOrderForDriver clears the driver's cached active order.
func (c *Client) DeleteActiveOrderForDriver(ctx context.Context, driverID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("driver_active_order:%s", driverID)).Err()
}
