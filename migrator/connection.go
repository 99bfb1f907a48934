package migrator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ConnectionConfig describes one side of the migration: host, port, an
// optional password, and whether to wrap the connection in TLS. This is the
// {host, port, password?, tls-on?} descriptor from §4.1.
type ConnectionConfig struct {
	Host     string
	Port     int
	Password string
	TLS      bool

	// TLSConfig, if non-nil, overrides the default *tls.Config built from
	// TLS/Host. Exposed for callers that need custom certificates.
	TLSConfig *tls.Config
}

func (c ConnectionConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ConnectionConfig) newClient() *redis.Client {
	opts := &redis.Options{
		Addr:     c.addr(),
		Password: c.Password,
	}
	if c.TLS {
		if c.TLSConfig != nil {
			opts.TLSConfig = c.TLSConfig
		} else {
			opts.TLSConfig = &tls.Config{ServerName: c.Host}
		}
	}
	return redis.NewClient(opts)
}

// connectionPair is the Connection Pair component (§4.1): two authenticated
// client sessions plus a third, duplicated session reserved for pub/sub on
// the source, since RESP pub/sub multiplexes poorly with request/response
// traffic on the same connection.
type connectionPair struct {
	mu sync.Mutex

	sourceCfg, targetCfg ConnectionConfig

	source     *redis.Client
	target     *redis.Client
	subscriber *redis.Client

	opened bool
}

func newConnectionPair(sourceCfg, targetCfg ConnectionConfig) *connectionPair {
	return &connectionPair{sourceCfg: sourceCfg, targetCfg: targetCfg}
}

// validate succeeds iff both sides answer a liveness probe, source and
// target are not the same server, and the target accepts authentication.
// Any failure triggers immediate cleanup of whatever was opened.
func (cp *connectionPair) validate(ctx context.Context) error {
	cp.mu.Lock()
	cp.source = cp.sourceCfg.newClient()
	cp.target = cp.targetCfg.newClient()
	cp.subscriber = cp.sourceCfg.newClient()
	cp.opened = true
	cp.mu.Unlock()

	if err := cp.source.Ping(ctx).Err(); err != nil {
		log.Printf("[ERR] (connection) source ping failed: %v", err)
		cp.close()
		return classifyConnErr(err)
	}

	if err := cp.target.Ping(ctx).Err(); err != nil {
		log.Printf("[ERR] (connection) target ping failed: %v", err)
		cp.close()
		if isAuthErr(err) {
			return newErr(KindAuthFailed, err)
		}
		return classifyConnErr(err)
	}

	same, err := cp.sameInstance(ctx)
	if err != nil {
		log.Printf("[ERR] (connection) identity check failed: %v", err)
		cp.close()
		return classifyConnErr(err)
	}
	if same {
		log.Printf("[ERR] (connection) source and target resolve to the same server")
		cp.close()
		return newErr(KindSameInstance, errors.New("source and target are the same instance"))
	}

	log.Printf("[INFO] (connection) validated source=%s target=%s", cp.sourceCfg.addr(), cp.targetCfg.addr())
	return nil
}

// sameInstance compares a stable server identity (the run_id reported by
// INFO server) rather than comparing INFO strings verbatim, which the
// teacher's upstream did and which DESIGN NOTES calls out as fragile. Falls
// back to (host, port) equality if either side's INFO response omits
// run_id, which happens against some lightweight server implementations
// used in tests.
func (cp *connectionPair) sameInstance(ctx context.Context) (bool, error) {
	sourceInfo, err := cp.source.Info(ctx, "server").Result()
	if err != nil {
		return false, err
	}
	targetInfo, err := cp.target.Info(ctx, "server").Result()
	if err != nil {
		return false, err
	}

	sourceID, sourceOK := runID(sourceInfo)
	targetID, targetOK := runID(targetInfo)
	if sourceOK && targetOK {
		return sourceID == targetID, nil
	}

	return cp.sourceCfg.addr() == cp.targetCfg.addr(), nil
}

func runID(info string) (string, bool) {
	for _, line := range strings.Split(info, "\r\n") {
		if id, ok := strings.CutPrefix(line, "run_id:"); ok {
			return strings.TrimSpace(id), true
		}
	}
	return "", false
}

// close closes all three sessions idempotently; tolerates sessions that
// never opened.
func (cp *connectionPair) close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if !cp.opened {
		return nil
	}

	var errs []error
	for _, c := range []*redis.Client{cp.source, cp.target, cp.subscriber} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	cp.opened = false

	if len(errs) > 0 {
		return fmt.Errorf("connection: %d sessions failed to close cleanly: %v", len(errs), errs)
	}
	return nil
}

func isAuthErr(err error) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "AUTH") && strings.Contains(msg, "INVALID")
}

// classifyConnErr maps a raw connection-level error to the finer-grained
// ConnKind vocabulary §4.1 asks for.
func classifyConnErr(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newConnErr(ConnTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return newConnErr(ConnHostNotFound, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case strings.Contains(opErr.Err.Error(), "connection refused"):
			return newConnErr(ConnRefused, err)
		case strings.Contains(opErr.Err.Error(), "connection reset"):
			return newConnErr(ConnReset, err)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"):
		return newConnErr(ConnRefused, err)
	case strings.Contains(msg, "reset"):
		return newConnErr(ConnReset, err)
	case strings.Contains(msg, "no such host"):
		return newConnErr(ConnHostNotFound, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "i/o timeout"):
		return newConnErr(ConnTimeout, err)
	}

	return newConnErr(ConnUnknown, err)
}
