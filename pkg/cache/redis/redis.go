package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type ConnectionInfo struct {
	Addr        string
	Password    string
	DB          int
	MaxRetries  int
	DialTimeout time.Duration
	Timeout     time.Duration
	PoolSize    int
	ClientName  string
}

type Client = goredis.Client

// Nil is returned by reads of a missing key.
const Nil = goredis.Nil

func withDefaults(info ConnectionInfo) ConnectionInfo {
	if info.DialTimeout <= 0 {
		info.DialTimeout = 5 * time.Second
	}
	if info.Timeout <= 0 {
		info.Timeout = 3 * time.Second
	}
	if info.PoolSize <= 0 {
		info.PoolSize = 10
	}
	if info.ClientName == "" {
		info.ClientName = "btc-payable"
	}
	return info
}

func NewRedisConnection(info ConnectionInfo) (*Client, error) {
	info = withDefaults(info)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         info.Addr,
		Password:     info.Password,
		DB:           info.DB,
		MaxRetries:   info.MaxRetries,
		DialTimeout:  info.DialTimeout,
		ReadTimeout:  info.Timeout,
		WriteTimeout: info.Timeout,
		PoolSize:     info.PoolSize,
		ClientName:   info.ClientName,
	})

	ctx, cancel := context.WithTimeout(context.Background(), info.DialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", info.Addr, err)
	}

	return rdb, nil
}

// IsMiss reports whether err means the key does not exist.
func IsMiss(err error) bool {
	return errors.Is(err, goredis.Nil)
}

func Close(c *Client) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Printf("Redis close error: %s", err)
	}
}
