package userfiles

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/manchtools/splitplay/broker/internal/apierr"
)

// steamConfigDirs are the Steam config locations relative to a home.
var steamConfigDirs = []string{
	".local/share/Steam/config",
	".steam/steam/config",
}

// SteamID returns the SteamID64 of the most recent login of username, the
// first known login when none is marked most recent, or "" when Steam has
// not been used.
func (m *Manager) SteamID(ctx context.Context, username string) (string, error) {
	acct, err := m.accounts.RequireManaged(ctx, username)
	if err != nil {
		return "", err
	}
	for _, dir := range steamConfigDirs {
		f, err := os.Open(filepath.Join(acct.HomeDir, dir, "loginusers.vdf"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", apierr.Failedw(err, "open Steam login users of %q", username)
		}
		id, err := ParseLoginUsers(io.LimitReader(f, MaxFileSize))
		f.Close()
		if err != nil {
			m.logger.Warn("unreadable loginusers.vdf", "username", username, "error", err)
			continue
		}
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}

// vdfNode is a key with either a string value or children.
type vdfNode struct {
	key      string
	value    string
	children []*vdfNode
}

func (n *vdfNode) get(key string) (*vdfNode, bool) {
	for _, c := range n.children {
		if strings.EqualFold(c.key, key) {
			return c, true
		}
	}
	return nil, false
}

// ParseLoginUsers reads a Steam loginusers.vdf and returns the chosen
// SteamID64.
func ParseLoginUsers(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	root, err := parseVDF(string(data))
	if err != nil {
		return "", err
	}
	users, ok := root.get("users")
	if !ok {
		return "", nil
	}
	first := ""
	for _, u := range users.children {
		if !isSteamID(u.key) {
			continue
		}
		if first == "" {
			first = u.key
		}
		if mr, ok := u.get("MostRecent"); ok && mr.value == "1" {
			return u.key, nil
		}
	}
	return first, nil
}

func isSteamID(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// parseVDF parses Valve's KeyValues text format.
func parseVDF(src string) (*vdfNode, error) {
	toks, err := tokenizeVDF(src)
	if err != nil {
		return nil, err
	}
	root := &vdfNode{}
	stack := []*vdfNode{root}
	for i := 0; i < len(toks); i++ {
		top := stack[len(stack)-1]
		switch toks[i].brace() {
		case "}":
			if len(stack) == 1 {
				return nil, errors.New("vdf: unbalanced '}'")
			}
			stack = stack[:len(stack)-1]
			continue
		case "{":
			return nil, errors.New("vdf: '{' without key")
		}
		key := toks[i].text
		if i+1 >= len(toks) {
			return nil, errors.New("vdf: key without value")
		}
		i++
		node := &vdfNode{key: key}
		top.children = append(top.children, node)
		switch toks[i].brace() {
		case "{":
			stack = append(stack, node)
		case "}":
			return nil, errors.New("vdf: key without value")
		default:
			node.value = toks[i].text
		}
	}
	if len(stack) != 1 {
		return nil, errors.New("vdf: unterminated block")
	}
	return root, nil
}

type vdfToken struct {
	text   string
	quoted bool
}

// brace returns the brace the token stands for, or "".
func (t vdfToken) brace() string {
	if !t.quoted && (t.text == "{" || t.text == "}") {
		return t.text
	}
	return ""
}

// tokenizeVDF splits src into quoted strings, bare words and braces.
func tokenizeVDF(src string) ([]vdfToken, error) {
	var toks []vdfToken
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '{' || c == '}':
			toks = append(toks, vdfToken{text: string(c)})
			i++
		case c == '"':
			var b strings.Builder
			i++
			for {
				if i >= len(src) {
					return nil, errors.New("vdf: unterminated string")
				}
				if src[i] == '\\' && i+1 < len(src) {
					b.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == '"' {
					i++
					break
				}
				b.WriteByte(src[i])
				i++
			}
			toks = append(toks, vdfToken{text: b.String(), quoted: true})
		default:
			start := i
			for i < len(src) && !strings.ContainsRune(" \t\r\n{}\"", rune(src[i])) {
				i++
			}
			toks = append(toks, vdfToken{text: src[start:i]})
		}
	}
	return toks, nil
}
