package relay

import (
	"fmt"

	syslog "github.com/RackSec/srslog"
)

// AccessLog sends one line per relayed request to syslog.
type AccessLog struct {
	writer *syslog.Writer
}

// AccessLogOptions contains options used by the syslog access log.
type AccessLogOptions struct {
	// "udp", "tcp", "unix". Defaults to "udp"
	Network string

	// Remote address, defaults to the local syslog server
	Address string

	// Priority value as per https://pkg.go.dev/log/syslog#Priority
	Priority int

	// Syslog tag
	Tag string
}

// NewAccessLog returns a new syslog-backed access log. A failure to reach
// the syslog server is logged but does not block startup, records are then
// dropped.
func NewAccessLog(opt AccessLogOptions) *AccessLog {
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.Priority(opt.Priority), opt.Tag)
	if err != nil {
		Log.WithError(err).Error("failed to initialize syslog access log")
	}
	return &AccessLog{writer: writer}
}

// Record writes one access line. Safe to call on a nil receiver.
func (a *AccessLog) Record(method, host, path, outcome, target string) {
	if a == nil || a.writer == nil {
		return
	}
	msg := fmt.Sprintf("method=%s host=%s path=%s outcome=%s target=%q", method, host, path, outcome, target)
	if _, err := a.writer.Write([]byte(msg)); err != nil {
		Log.WithError(err).Error("failed to send syslog")
	}
}

// Close the underlying syslog connection.
func (a *AccessLog) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}
