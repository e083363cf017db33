package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
)

// Syslog facilities.
const (
	FacilityKern   = 0
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityAuth   = 4
	FacilitySyslog = 5
	FacilityLocal0 = 16
	FacilityLocal1 = 17
	FacilityLocal2 = 18
	FacilityLocal3 = 19
	FacilityLocal4 = 20
	FacilityLocal5 = 21
	FacilityLocal6 = 22
	FacilityLocal7 = 23
)

// Sender is an output for formatted log lines.
type Sender interface {
	ShouldSend(severity int) bool
	Send(severity int, msg string) error
	Close() error
}

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn        net.Conn
	hostname    string
	facility    int
	tag         string
	MinSeverity int // 0 = no filter, else SyslogError(3)/SyslogWarning(4)/SyslogInfo(6)
}

// NewSyslogClient creates a UDP syslog client connected to host:port that
// tags messages with tag.
func NewSyslogClient(host string, port, facility int, tag string) (*SyslogClient, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ipfd"
	}
	if tag == "" {
		tag = "ipmon"
	}
	return &SyslogClient{conn: conn, hostname: hostname, facility: facility, tag: tag}, nil
}

// Send sends a syslog message with the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.facility*8 + severity
	ts := time.Now().Format(time.Stamp) // "Jan _2 15:04:05"
	line := fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority, ts, s.hostname, s.tag, os.Getpid(), msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend returns true if the event severity passes this client's filter.
// Lower severity number = higher priority (error=3 < warning=4 < info=6).
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name to its numeric value.
// Returns 0 (no filter) for unrecognized names.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	default:
		return 0
	}
}

var facilityNames = map[string]int{
	"kern":   FacilityKern,
	"user":   FacilityUser,
	"daemon": FacilityDaemon,
	"auth":   FacilityAuth,
	"syslog": FacilitySyslog,
	"local0": FacilityLocal0,
	"local1": FacilityLocal1,
	"local2": FacilityLocal2,
	"local3": FacilityLocal3,
	"local4": FacilityLocal4,
	"local5": FacilityLocal5,
	"local6": FacilityLocal6,
	"local7": FacilityLocal7,
}

// ParseFacility converts a facility name to its number, defaulting to
// local0.
func ParseFacility(name string) int {
	if f, ok := facilityNames[name]; ok {
		return f
	}
	return FacilityLocal0
}

// Close closes the underlying connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}
