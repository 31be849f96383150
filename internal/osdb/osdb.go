// Package osdb looks up OS accounts and groups.
//
// The managers only query accounts through Database, so tests can supply
// synthetic passwd and group tables without touching the real databases.
package osdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/manchtools/splitplay/broker/internal/sysexec"
)

// ErrNotFound is returned when an account or group does not exist.
var ErrNotFound = errors.New("not found")

// Account holds the passwd entry of a user.
type Account struct {
	Username string
	UID      uint32
	GID      uint32
	FullName string
	HomeDir  string
	Shell    string
}

// Group holds the group entry of a group.
type Group struct {
	Name    string
	GID     uint32
	Members []string
}

// Database is a read-only query capability over accounts and groups.
type Database interface {
	LookupAccount(ctx context.Context, username string) (*Account, error)
	LookupAccountID(ctx context.Context, uid uint32) (*Account, error)
	LookupGroup(ctx context.Context, name string) (*Group, error)
	// AccountGroups returns the gids username belongs to, as initgroups(3)
	// would set them.
	AccountGroups(ctx context.Context, username string) ([]uint32, error)
}

// getentNotFound is the exit status getent uses for unknown keys.
const getentNotFound = 2

// Getent resolves accounts through getent(1), so NSS sources beyond the
// local files are honoured.
type Getent struct {
	Runner  sysexec.Runner
	Timeout time.Duration
}

// NewGetent returns a Database backed by getent.
func NewGetent(r sysexec.Runner, timeout time.Duration) *Getent {
	return &Getent{Runner: r, Timeout: timeout}
}

func (g *Getent) query(ctx context.Context, db, key string) (string, error) {
	res, err := g.Runner.Run(ctx, g.Timeout, "getent", db, key)
	if err != nil {
		if sysexec.ExitCode(err) == getentNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("getent %s %s: %s", db, key, sysexec.FormatError(err, res))
	}
	line, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	return line, nil
}

// LookupAccount implements Database.
func (g *Getent) LookupAccount(ctx context.Context, username string) (*Account, error) {
	if username == "" || strings.ContainsAny(username, ":\n") {
		return nil, ErrNotFound
	}
	line, err := g.query(ctx, "passwd", username)
	if err != nil {
		return nil, err
	}
	return ParsePasswd(line)
}

// LookupAccountID implements Database.
func (g *Getent) LookupAccountID(ctx context.Context, uid uint32) (*Account, error) {
	line, err := g.query(ctx, "passwd", strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, err
	}
	return ParsePasswd(line)
}

// LookupGroup implements Database.
func (g *Getent) LookupGroup(ctx context.Context, name string) (*Group, error) {
	if name == "" || strings.ContainsAny(name, ":\n") {
		return nil, ErrNotFound
	}
	line, err := g.query(ctx, "group", name)
	if err != nil {
		return nil, err
	}
	return ParseGroup(line)
}

// AccountGroups implements Database.
func (g *Getent) AccountGroups(ctx context.Context, username string) ([]uint32, error) {
	if username == "" || strings.ContainsAny(username, ":\n") {
		return nil, ErrNotFound
	}
	line, err := g.query(ctx, "initgroups", username)
	if err != nil {
		return nil, err
	}
	return ParseInitgroups(line)
}

// ParseInitgroups parses the getent initgroups line: name gid gid...
func ParseInitgroups(line string) ([]uint32, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("malformed initgroups entry %q", line)
	}
	gids := make([]uint32, 0, len(fields)-1)
	for _, f := range fields[1:] {
		gid, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed gid %q in initgroups entry", f)
		}
		gids = append(gids, uint32(gid))
	}
	return gids, nil
}

// ParsePasswd parses one passwd line: name:x:uid:gid:gecos:home:shell.
func ParsePasswd(line string) (*Account, error) {
	fields := strings.Split(strings.TrimSpace(line), ":")
	if len(fields) < 7 {
		return nil, fmt.Errorf("invalid passwd entry %q", line)
	}
	uid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid in passwd entry %q", line)
	}
	gid, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid gid in passwd entry %q", line)
	}
	fullName, _, _ := strings.Cut(fields[4], ",")
	return &Account{
		Username: fields[0],
		UID:      uint32(uid),
		GID:      uint32(gid),
		FullName: fullName,
		HomeDir:  fields[5],
		Shell:    fields[6],
	}, nil
}

// ParseGroup parses one group line: name:x:gid:mem1,mem2.
func ParseGroup(line string) (*Group, error) {
	fields := strings.Split(strings.TrimSpace(line), ":")
	if len(fields) < 4 {
		return nil, fmt.Errorf("invalid group entry %q", line)
	}
	gid, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid gid in group entry %q", line)
	}
	g := &Group{Name: fields[0], GID: uint32(gid)}
	for _, m := range strings.Split(fields[3], ",") {
		if m = strings.TrimSpace(m); m != "" {
			g.Members = append(g.Members, m)
		}
	}
	return g, nil
}

// InGroup reports whether username is a declared member of group or has it
// as primary group. A missing group yields false.
func InGroup(ctx context.Context, db Database, username, group string) (bool, error) {
	grp, err := db.LookupGroup(ctx, group)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, m := range grp.Members {
		if m == username {
			return true, nil
		}
	}
	acct, err := db.LookupAccount(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acct.GID == grp.GID, nil
}

// GroupID resolves a group name to its gid, or fallback when it is absent.
func GroupID(ctx context.Context, db Database, name string, fallback uint32) uint32 {
	grp, err := db.LookupGroup(ctx, name)
	if err != nil {
		return fallback
	}
	return grp.GID
}
