package queue

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

const (
	DefaultConnectTimeout = 50000 * time.Millisecond
	DefaultKeepAlive      = 30000 * time.Millisecond
	DefaultFamily         = 4
)

// ProfileOptions is the raw input to NewProfile.
type ProfileOptions struct {
	Host           string
	Port           int
	Password       string
	DB             int
	TLS            bool
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	Family         int
	KeyPrefix      string
}

// Profile describes how to reach the queue store. It is immutable once
// built and shared read-only by the producer and the pool.
type Profile struct {
	host           string
	port           int
	password       string
	db             int
	tls            bool
	connectTimeout time.Duration
	keepAlive      time.Duration
	family         int
	keyPrefix      string
}

func NewProfile(o ProfileOptions) (Profile, error) {
	if strings.TrimSpace(o.Host) == "" {
		return Profile{}, &ConfigurationError{Field: "host", Err: errors.New("missing")}
	}
	if o.Port < 1 || o.Port > 65535 {
		return Profile{}, &ConfigurationError{Field: "port", Err: errors.Errorf("%d out of range", o.Port)}
	}
	if o.DB < 0 {
		return Profile{}, &ConfigurationError{Field: "db", Err: errors.Errorf("negative index %d", o.DB)}
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.ConnectTimeout < 0 {
		return Profile{}, &ConfigurationError{Field: "connect_timeout", Err: errors.New("must be positive")}
	}
	if o.KeepAlive < 0 {
		return Profile{}, &ConfigurationError{Field: "keep_alive", Err: errors.New("must be positive")}
	}
	switch o.Family {
	case 0, 4, 6:
	default:
		return Profile{}, &ConfigurationError{Field: "family", Err: errors.Errorf("unsupported address family %d", o.Family)}
	}
	return Profile{
		host:           o.Host,
		port:           o.Port,
		password:       o.Password,
		db:             o.DB,
		tls:            o.TLS,
		connectTimeout: o.ConnectTimeout,
		keepAlive:      o.KeepAlive,
		family:         o.Family,
		keyPrefix:      o.KeyPrefix,
	}, nil
}

func (p Profile) Host() string                  { return p.host }
func (p Profile) Port() int                     { return p.port }
func (p Profile) Password() string              { return p.password }
func (p Profile) DB() int                       { return p.db }
func (p Profile) TLS() bool                     { return p.tls }
func (p Profile) ConnectTimeout() time.Duration { return p.connectTimeout }
func (p Profile) KeepAlive() time.Duration      { return p.keepAlive }
func (p Profile) Family() int                   { return p.family }
func (p Profile) KeyPrefix() string             { return p.keyPrefix }

func (p Profile) Addr() string {
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

// Network maps the address family to a dial network.
func (p Profile) Network() string {
	switch p.family {
	case 4:
		return "tcp4"
	case 6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// Key joins parts with ':' under the namespace prefix.
func (p Profile) Key(parts ...string) string {
	return p.keyPrefix + strings.Join(parts, ":")
}

func (p Profile) String() string {
	pw := ""
	if p.password != "" {
		pw = "****"
	}
	return "redis://" + pw + "@" + p.Addr() + "/" + strconv.Itoa(p.db) +
		"?tls=" + strconv.FormatBool(p.tls) + "&prefix=" + p.keyPrefix
}

// RedisOptions renders the client options for go-redis.
func (p Profile) RedisOptions() *r.Options {
	dialer := &net.Dialer{Timeout: p.connectTimeout, KeepAlive: p.keepAlive}
	network := p.Network()
	opts := &r.Options{
		Network:     network,
		Addr:        p.Addr(),
		Password:    p.password,
		DB:          p.db,
		DialTimeout: p.connectTimeout,
		Dialer: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
	if p.tls {
		opts.TLSConfig = &tls.Config{ServerName: p.host, MinVersion: tls.VersionTLS12}
		opts.Dialer = func(ctx context.Context, _, addr string) (net.Conn, error) {
			td := &tls.Dialer{NetDialer: dialer, Config: opts.TLSConfig}
			return td.DialContext(ctx, network, addr)
		}
	}
	return opts
}
