// Package plugin loads operator scripts, fills their arguments and runs them
// on the bridge or across the included hosts of the current section.
//
// A script declares how it runs in a metadata block, usually inside shell
// comments:
//
//	# FleetBridge: {
//	#   "source": "remote",
//	#   "root": true,
//	#   "arguments": ["$TARGET_MAC", "$BRIDGE_IP", "$PORT"]
//	# }
//
// The block is JSONC: comments and trailing commas are accepted. Older
// scripts mark the block with "CMSysBot:" instead; both markers are read.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/config"
	"github.com/andrej220/fleetbridge/pkg/inventory"
	"github.com/andrej220/fleetbridge/pkg/session"
)

type Scope string

const (
	ScopeBridge Scope = "bridge"
	ScopeRemote Scope = "remote"
)

// Reserved argument tokens. Anything else is asked from the operator.
const (
	VarUsername  = "$USERNAME"
	VarPassword  = "$PASSWORD"
	VarBridgeIP  = "$BRIDGE_IP"
	VarTargetIP  = "$TARGET_IP"
	VarTargetMAC = "$TARGET_MAC"
	VarMACsList  = "$MACS_LIST"
	VarIPsList   = "$IPS_LIST"
)

var reserved = []string{VarUsername, VarPassword, VarBridgeIP, VarTargetIP, VarTargetMAC, VarMACsList, VarIPsList}

// CopyMode is the permission of every copied script.
const CopyMode os.FileMode = 0o555

var (
	ErrMalformedMetadata = errors.New("malformed plugin metadata")
	ErrUnknownVariable   = errors.New("unknown plugin variable")
)

var (
	bodyRegex    = regexp.MustCompile(`(?is)(?:FleetBridge|CMSysBot):\s*(\{.*?\})\s*(?:\n|$)`)
	commentRegex = regexp.MustCompile(`\n\s*#`)
	validate     = validator.New()
)

type metadata struct {
	Source    Scope    `json:"source" validate:"required,oneof=bridge remote"`
	Root      bool     `json:"root"`
	Arguments []string `json:"arguments"`
}

// Descriptor is a parsed plugin. Argument values are filled in three
// rounds: session values, operator answers, then per-host values on a copy.
type Descriptor struct {
	Path      string
	Scope     Scope
	Root      bool
	Arguments []string

	// MetadataErr is set when the metadata block was missing or invalid and
	// the defaults (bridge scope, no elevation, no arguments) were used.
	MetadataErr error

	values map[string]string
}

// Load reads the script at path. Bad metadata does not fail the load; see
// MetadataErr.
func Load(path string, logger lg.Logger) (*Descriptor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load plugin: %w", err)
	}
	d := Parse(path, content)
	if d.MetadataErr != nil && logger != nil {
		logger.Warn("plugin metadata ignored, running on bridge without arguments",
			lg.String("plugin", d.Name()), lg.Err(d.MetadataErr))
	}
	return d, nil
}

// Parse builds a Descriptor from script content.
func Parse(path string, content []byte) *Descriptor {
	d := &Descriptor{Path: path, Scope: ScopeBridge, values: map[string]string{}}
	md, err := parseMetadata(content)
	if err != nil {
		d.MetadataErr = err
		return d
	}
	d.Scope = md.Source
	d.Root = md.Root
	for _, arg := range md.Arguments {
		if _, seen := d.values[arg]; seen {
			continue
		}
		d.Arguments = append(d.Arguments, arg)
		d.values[arg] = ""
	}
	return d
}

func parseMetadata(content []byte) (metadata, error) {
	var md metadata
	m := bodyRegex.FindSubmatch(content)
	if m == nil {
		return md, fmt.Errorf("%w: no FleetBridge block", ErrMalformedMetadata)
	}
	body := commentRegex.ReplaceAll(m[1], []byte("\n"))
	if err := json.Unmarshal(jsonc.ToJSON(body), &md); err != nil {
		return md, fmt.Errorf("%w: %w", ErrMalformedMetadata, err)
	}
	if err := validate.Struct(md); err != nil {
		return md, fmt.Errorf("%w: %w", ErrMalformedMetadata, err)
	}
	return md, nil
}

func (d *Descriptor) Name() string { return filepath.Base(d.Path) }

func (d *Descriptor) String() string { return d.Name() }

// BridgePath is where the script is staged on the bridge.
func (d *Descriptor) BridgePath(cfg *config.FleetConfig) string {
	return path.Join(cfg.BridgeTmpDir, d.Name())
}

// RemotePath is where the script is copied on each target.
func (d *Descriptor) RemotePath(cfg *config.FleetConfig) string {
	return path.Join(cfg.RemoteTmpDir, d.Name())
}

func (d *Descriptor) Value(name string) string { return d.values[name] }

// Values returns a copy of the current argument values.
func (d *Descriptor) Values() map[string]string {
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// Set stores the operator's answer for a declared argument.
func (d *Descriptor) Set(name, value string) error {
	if _, ok := d.values[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	d.values[name] = value
	return nil
}

func IsReserved(name string) bool { return slices.Contains(reserved, name) }

// CollectUnresolvedVariable returns the first declared argument that the
// operator still has to answer.
func (d *Descriptor) CollectUnresolvedVariable() (string, bool) {
	for _, name := range d.Arguments {
		if d.values[name] == "" && !IsReserved(name) {
			return name, true
		}
	}
	return "", false
}

// ResolveSessionVariables fills the session-wide reserved arguments. The
// list arguments cover the included hosts of the current inventory.
func (d *Descriptor) ResolveSessionVariables(s *session.Session) {
	d.fill(VarUsername, s.Identity())
	d.fill(VarPassword, s.Secret())
	d.fill(VarBridgeIP, s.BridgeAddress())

	var macs, ips []string
	if inv := s.Inventory(); inv != nil {
		for h := range inv.Included() {
			macs = append(macs, h.HardwareAddress)
			ips = append(ips, h.Address)
		}
	}
	d.fill(VarMACsList, strings.Join(macs, " "))
	d.fill(VarIPsList, strings.Join(ips, " "))
}

func (d *Descriptor) fill(name, value string) {
	if _, ok := d.values[name]; ok {
		d.values[name] = value
	}
}

// ResolveHostVariables returns a new value map with the target arguments
// set for h. The descriptor itself is not modified, so concurrent calls for
// different hosts are safe.
func (d *Descriptor) ResolveHostVariables(h *inventory.Host) map[string]string {
	values := d.Values()
	if _, ok := values[VarTargetIP]; ok {
		values[VarTargetIP] = h.Address
	}
	if _, ok := values[VarTargetMAC]; ok {
		values[VarTargetMAC] = h.HardwareAddress
	}
	return values
}

// CommandLine builds "<exe> <arguments in declared order>". Every value is
// one quoted word except the list arguments, which expand to one word per
// entry.
func (d *Descriptor) CommandLine(exe string, values map[string]string) string {
	parts := []string{session.Quote(exe)}
	for _, name := range d.Arguments {
		v := values[name]
		if name == VarMACsList || name == VarIPsList {
			for _, w := range strings.Fields(v) {
				parts = append(parts, session.Quote(w))
			}
			continue
		}
		parts = append(parts, session.Quote(v))
	}
	return strings.Join(parts, " ")
}

// Entry is a plugin file as offered to the operator.
type Entry struct {
	Path        string
	DisplayName string
}

// List returns the plugins in dir in name order. Files whose name starts
// with "_" or "." are helpers and are skipped.
func List(dir string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	var out []Entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, Entry{Path: filepath.Join(dir, name), DisplayName: DisplayName(name)})
	}
	return out, nil
}

// DisplayName turns "wake_on_LAN" into "Wake on lan".
func DisplayName(filename string) string {
	r, size := utf8.DecodeRuneInString(filename)
	if r == utf8.RuneError {
		return filename
	}
	name := string(unicode.ToUpper(r)) + strings.ToLower(filename[size:])
	return strings.ReplaceAll(name, "_", " ")
}
