// Package redisx holds the Redis connection helpers shared by the Redis
// backed stores.
package redisx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string) (redis.UniversalClient, error) {
	opts, err := ParseURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// ParseURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func ParseURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	hosts, rest := splitHosts(addr)
	u, err := url.Parse(rest)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = hosts

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			if opts.DB, err = parseDB(p); err != nil {
				return nil, err
			}
		} else if dbStr := q.Get("db"); dbStr != "" {
			if opts.DB, err = parseDB(dbStr); err != nil {
				return nil, err
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			if opts.DB, err = parseDB(dbStr); err != nil {
				return nil, err
			}
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	return opts, nil
}

// splitHosts takes the comma separated host list out of a redis URL, which
// url.Parse does not accept, and returns it with the URL minus those hosts.
func splitHosts(addr string) ([]string, string) {
	i := strings.Index(addr, "://") + len("://")
	end := len(addr)
	if j := strings.IndexAny(addr[i:], "/?#"); j >= 0 {
		end = i + j
	}
	hostStart := i
	if at := strings.LastIndex(addr[i:end], "@"); at >= 0 {
		hostStart = i + at + 1
	}
	var hosts []string
	for _, h := range strings.Split(addr[hostStart:end], ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, addr[:hostStart] + addr[end:]
}

func parseDB(s string) (int, error) {
	db, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("redis: invalid db: %v", err)
	}
	return db, nil
}
