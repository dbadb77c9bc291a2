// Package inventory holds the hosts of one leaf section and persists them to
// the section's JSON file.
package inventory

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/fleetbridge/internal/persistence"
)

var validate = validator.New()

// Host is one fleet member. Active is runtime-only: it is reset to true on
// load and never written to the file.
type Host struct {
	Name            string `json:"name" validate:"required"`
	Address         string `json:"ip" validate:"required,ip|hostname_rfc1123"`
	HardwareAddress string `json:"mac" validate:"omitempty,mac"`
	Active          bool   `json:"-"`
}

func NewHost(name, address, hardwareAddress string) *Host {
	return &Host{Name: name, Address: address, HardwareAddress: hardwareAddress, Active: true}
}

func (h *Host) String() string { return fmt.Sprintf("%s (%s)", h.Name, h.Address) }

// document is the on-disk layout.
type document struct {
	Computers []*Host `json:"computers"`
}

// Inventory is an ordered host list bound to the file it was loaded from.
// Hardware addresses are expected to be unique but this is not enforced;
// lookups return the first match.
type Inventory struct {
	path  string
	hosts []*Host
}

// New returns an in-memory inventory that saves to path.
func New(path string, hosts ...*Host) *Inventory {
	return &Inventory{path: path, hosts: hosts}
}

// Load reads the inventory file at path. Every host starts active.
func Load(path string) (*Inventory, error) {
	var doc document
	if err := persistence.ReadJSON(path, &doc); err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	inv := &Inventory{path: path, hosts: make([]*Host, 0, len(doc.Computers))}
	for _, h := range doc.Computers {
		if h == nil {
			continue
		}
		h.Active = true
		inv.hosts = append(inv.hosts, h)
	}
	return inv, nil
}

// Create writes an empty inventory file at path, replacing any existing one.
func Create(path string) (*Inventory, error) {
	inv := New(path)
	if err := inv.Save(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (inv *Inventory) Path() string { return inv.path }

func (inv *Inventory) Len() int { return len(inv.hosts) }

// Save overwrites the originating file with the current hosts.
func (inv *Inventory) Save() error {
	doc := document{Computers: inv.hosts}
	if doc.Computers == nil {
		doc.Computers = []*Host{}
	}
	if err := persistence.WriteJSON(doc, inv.path); err != nil {
		return fmt.Errorf("save inventory %s: %w", inv.path, err)
	}
	return nil
}

// Add appends a new active host. Call Save to persist it.
func (inv *Inventory) Add(name, address, hardwareAddress string) *Host {
	h := NewHost(name, address, hardwareAddress)
	inv.hosts = append(inv.hosts, h)
	return h
}

// Remove drops the first host with the given hardware address and reports
// whether one was found.
func (inv *Inventory) Remove(hardwareAddress string) bool {
	for i, h := range inv.hosts {
		if sameMAC(h.HardwareAddress, hardwareAddress) {
			inv.hosts = append(inv.hosts[:i], inv.hosts[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the first host with the given hardware address.
func (inv *Inventory) Find(hardwareAddress string) (*Host, bool) {
	for _, h := range inv.hosts {
		if sameMAC(h.HardwareAddress, hardwareAddress) {
			return h, true
		}
	}
	return nil, false
}

// All yields every host in stored order.
func (inv *Inventory) All() iter.Seq[*Host] {
	return func(yield func(*Host) bool) {
		for _, h := range inv.hosts {
			if !yield(h) {
				return
			}
		}
	}
}

// Included yields the active hosts in stored order.
func (inv *Inventory) Included() iter.Seq[*Host] {
	return func(yield func(*Host) bool) {
		for _, h := range inv.hosts {
			if h.Active && !yield(h) {
				return
			}
		}
	}
}

// SetActive includes or excludes the host with the given hardware address.
func (inv *Inventory) SetActive(hardwareAddress string, active bool) bool {
	h, ok := inv.Find(hardwareAddress)
	if ok {
		h.Active = active
	}
	return ok
}

func (inv *Inventory) IncludeAll() { inv.setAll(true) }

func (inv *Inventory) ExcludeAll() { inv.setAll(false) }

func (inv *Inventory) setAll(active bool) {
	for _, h := range inv.hosts {
		h.Active = active
	}
}

// Validate checks every host record and reports all problems at once.
func (inv *Inventory) Validate() error {
	var errs []error
	for i, h := range inv.hosts {
		if err := validate.Struct(h); err != nil {
			errs = append(errs, fmt.Errorf("host #%d %q: %w", i, h.Name, err))
		}
	}
	return errors.Join(errs...)
}

func sameMAC(a, b string) bool {
	return strings.EqualFold(a, b)
}
