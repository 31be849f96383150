// Package setup provides broker installation helpers: the polkit action
// policy and the systemd units.
package setup

import (
	"bytes"
	_ "embed"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/manchtools/splitplay/broker/internal/authz"
)

//go:embed policy.tmpl
var policyTmpl string

//go:embed service.tmpl
var serviceTmpl string

//go:embed socket.tmpl
var socketTmpl string

const (
	// DefaultPolicyDir is where polkit reads action policies.
	DefaultPolicyDir = "/usr/share/polkit-1/actions"
	// DefaultUnitDir is where the systemd units are installed.
	DefaultUnitDir = "/etc/systemd/system"
	// UnitName is the base name of the service and socket units.
	UnitName = "splitplay-broker"
	// PolicyFile is the file name of the action policy.
	PolicyFile = "io.splitplay.broker.policy"
)

// adminActions need administrator authentication even from an active
// session.
var adminActions = map[string]bool{
	authz.ActionCreateUser:      true,
	authz.ActionDeleteUser:      true,
	authz.ActionEnableLinger:    true,
	authz.ActionWriteUserFiles:  true,
	authz.ActionSetDirectoryAcl: true,
}

// PolicyAction is one <action> of the policy file.
type PolicyAction struct {
	ID          string
	Description string
	Message     string
	AllowActive string
}

// PolicyActions returns one policy entry per broker action id.
func PolicyActions() []PolicyAction {
	out := make([]PolicyAction, 0, len(authz.Actions))
	for _, id := range authz.Actions {
		name := strings.ReplaceAll(strings.TrimPrefix(id, authz.ActionPrefix), "-", " ")
		allow := "yes"
		if adminActions[id] {
			allow = "auth_admin_keep"
		}
		out = append(out, PolicyAction{
			ID:          id,
			Description: "splitplay: " + name,
			Message:     "Authentication is required to " + name,
			AllowActive: allow,
		})
	}
	return out
}

// RenderPolicy renders the polkit action policy and checks that it is
// well-formed XML.
func RenderPolicy() ([]byte, error) {
	tmpl, err := template.New("policy").Parse(policyTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse policy template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Actions []PolicyAction }{PolicyActions()}); err != nil {
		return nil, fmt.Errorf("render policy template: %w", err)
	}

	dec := xml.NewDecoder(bytes.NewReader(buf.Bytes()))
	dec.Strict = true
	for {
		if _, err := dec.Token(); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("policy validation failed: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// InstallPolicy renders the action policy into dir.
func InstallPolicy(dir string) error {
	data, err := RenderPolicy()
	if err != nil {
		return err
	}
	return installFile(filepath.Join(dir, PolicyFile), data, 0644)
}

// UnitData holds template data for rendering the systemd units.
type UnitData struct {
	Name       string
	Binary     string
	ConfigPath string
	SocketPath string
}

// InstallUnits renders the service and socket units into dir.
func InstallUnits(dir string, data UnitData) error {
	if data.Binary == "" || !filepath.IsAbs(data.Binary) {
		return fmt.Errorf("binary path must be absolute: %q", data.Binary)
	}
	if data.Name == "" {
		data.Name = UnitName
	}

	units := []struct{ suffix, text string }{
		{".service", serviceTmpl},
		{".socket", socketTmpl},
	}
	for _, u := range units {
		tmpl, err := template.New(u.suffix).Parse(u.text)
		if err != nil {
			return fmt.Errorf("parse %s template: %w", u.suffix, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("render %s template: %w", u.suffix, err)
		}
		if err := installFile(filepath.Join(dir, data.Name+u.suffix), buf.Bytes(), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Run installs the policy and the units into their system locations. Must
// be run as root.
func Run(data UnitData) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must be run as root")
	}
	if err := InstallPolicy(DefaultPolicyDir); err != nil {
		return err
	}
	return InstallUnits(DefaultUnitDir, data)
}

// installFile writes data to a temp file next to dest and renames it into
// place.
func installFile(dest string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	tmpFile := dest + ".tmp"

	f, err := os.OpenFile(tmpFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("write %s: %w", tmpFile, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile, dest); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("install %s: %w", dest, err)
	}
	return nil
}
