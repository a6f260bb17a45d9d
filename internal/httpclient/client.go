package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type ClientConfig struct {
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration

	BreakerName        string
	BreakerMaxFailures uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// StatusError is returned for 5xx responses, which count as breaker failures
// and are retried by DoWithRetry.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string { return fmt.Sprintf("upstream status %d", e.StatusCode) }

type Client struct {
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	conf ClientConfig
	log  *zap.Logger
}

func NewClient(conf ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 15 * time.Second
	}
	if conf.RetryMaxElapsed <= 0 {
		conf.RetryMaxElapsed = 10 * time.Second
	}
	if conf.BreakerMaxFailures == 0 {
		conf.BreakerMaxFailures = 5
	}
	if conf.BreakerName == "" {
		conf.BreakerName = "rest"
	}
	tr := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    conf.MaxIdleConns,
		IdleConnTimeout: conf.IdleConnTimeout,
	}
	st := gobreaker.Settings{
		Name:        conf.BreakerName,
		MaxRequests: 1,
		Interval:    conf.BreakerInterval,
		Timeout:     conf.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= conf.BreakerMaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		http: &http.Client{Transport: tr, Timeout: conf.Timeout},
		cb:   gobreaker.NewCircuitBreaker(st),
		conf: conf,
		log:  logger,
	}
}

// Do sends req once through the circuit breaker. 5xx responses are returned
// as *StatusError with the body drained.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	resp, ok := res.(*http.Response)
	if !ok {
		return nil, errors.New("invalid roundtrip result")
	}
	return resp, nil
}

// DoWithRetry runs a body-less request with exponential backoff until it
// succeeds, ctx ends or RetryMaxElapsed passes. Only transport errors and 5xx
// are retried.
func (c *Client) DoWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		r, err := c.Do(ctx, req.Clone(ctx))
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.conf.RetryMaxElapsed
	notify := func(err error, d time.Duration) {
		c.log.Debug("retrying request", zap.String("url", req.URL.Path), zap.Duration("in", d), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}
