package authz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	polkitBusName   = "org.freedesktop.PolicyKit1"
	polkitPath      = "/org/freedesktop/PolicyKit1/Authority"
	polkitInterface = "org.freedesktop.PolicyKit1.Authority"

	// checkAllowUserInteraction lets polkit prompt the caller's session
	// agent for credentials when the policy says auth_admin.
	checkAllowUserInteraction uint32 = 0x1
)

// ErrDismissed is returned when the user dismissed the authentication dialog.
var ErrDismissed = errors.New("authorization request dismissed")

type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// PolkitAuthority asks polkitd over the system bus.
type PolkitAuthority struct {
	conn     *dbus.Conn
	procRoot string
}

// NewPolkitAuthority connects to the system bus.
func NewPolkitAuthority() (*PolkitAuthority, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &PolkitAuthority{conn: conn, procRoot: "/proc"}, nil
}

// Close closes the bus connection.
func (p *PolkitAuthority) Close() error {
	return p.conn.Close()
}

// CheckAuthorization implements Authority. The subject is the calling
// process identified by pid and start time, which avoids pid reuse races.
func (p *PolkitAuthority) CheckAuthorization(ctx context.Context, caller Caller, actionID string) (bool, error) {
	startTime, err := processStartTime(p.procRoot, caller.PID)
	if err != nil {
		return false, err
	}
	subject := polkitSubject{
		Kind: "unix-process",
		Details: map[string]dbus.Variant{
			"pid":        dbus.MakeVariant(uint32(caller.PID)),
			"start-time": dbus.MakeVariant(startTime),
			"uid":        dbus.MakeVariant(int32(caller.UID)),
		},
	}

	var result polkitResult
	obj := p.conn.Object(polkitBusName, polkitPath)
	call := obj.CallWithContext(ctx, polkitInterface+".CheckAuthorization", 0,
		subject, actionID, map[string]string{}, checkAllowUserInteraction, "")
	if err := call.Store(&result); err != nil {
		return false, fmt.Errorf("polkit CheckAuthorization: %w", err)
	}
	if !result.IsAuthorized && result.Details["polkit.dismissed"] != "" {
		return false, ErrDismissed
	}
	return result.IsAuthorized, nil
}

// processStartTime reads field 22 (starttime) of /proc/<pid>/stat.
func processStartTime(procRoot string, pid int32) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", procRoot, pid))
	if err != nil {
		return 0, fmt.Errorf("read process stat: %w", err)
	}
	return parseStartTime(string(data))
}

func parseStartTime(stat string) (uint64, error) {
	// The command name is parenthesised and may itself contain spaces or
	// parentheses, so split after the last ')'.
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 {
		return 0, fmt.Errorf("malformed process stat")
	}
	fields := strings.Fields(stat[idx+1:])
	// fields[0] is field 3 (state); starttime is field 22.
	const startTimeIdx = 22 - 3
	if len(fields) <= startTimeIdx {
		return 0, fmt.Errorf("malformed process stat: %d fields", len(fields))
	}
	return strconv.ParseUint(fields[startTimeIdx], 10, 64)
}
