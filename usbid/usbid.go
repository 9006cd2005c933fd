// Package usbid names USB vendors and products from the usb.ids database
// shipped by hwdata and usbutils.
package usbid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/adrg/xdg"

	"github.com/ardnew/usbcap/pkg"
)

// Database locations relative to the XDG data directories, searched in
// order after the user's data home.
var dataFiles = []string{
	"usbcap/usb.ids",
	"hwdata/usb.ids",
	"misc/usb.ids",
}

// ExtraPaths are absolute locations searched after the XDG data dirs.
var ExtraPaths = []string{"/var/lib/usbutils/usb.ids"}

// Database maps vendor and product IDs to names.
type Database struct {
	mu       sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string
}

// Names is the result of a lookup. Fields are empty when unknown.
type Names struct {
	Vendor  string
	Product string
}

// String formats the names as "Vendor Product", or "" when both are unknown.
func (n Names) String() string {
	return strings.TrimSpace(n.Vendor + " " + n.Product)
}

// New returns an empty database.
func New() *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Find returns the first usb.ids file found in the XDG data directories or
// ExtraPaths.
func Find() (string, error) {
	for _, rel := range dataFiles {
		if path, err := xdg.SearchDataFile(rel); err == nil {
			return path, nil
		}
	}
	for _, path := range ExtraPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: usb.ids not found", os.ErrNotExist)
}

// Open finds and loads the database. A missing database yields an empty
// one and an error wrapping os.ErrNotExist.
func Open() (*Database, error) {
	db := New()
	path, err := Find()
	if err != nil {
		return db, err
	}
	f, err := os.Open(path)
	if err != nil {
		return db, err
	}
	defer f.Close()

	if err := db.Parse(f); err != nil {
		return db, fmt.Errorf("%s: %w", path, err)
	}
	pkg.LogDebug(pkg.ComponentCapture, "usb id database loaded", "path", path, "vendors", db.Vendors())
	return db, nil
}

// Parse reads the usb.ids format into the database. Vendor lines are
// "vvvv  name"; product lines are "\tpppp  name" under their vendor.
// Sections other than vendors (classes, languages, ...) end the vendor
// list.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	sc := bufio.NewScanner(r)
	vendor, inVendor := uint16(0), false
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := entry(line)
		if !ok {
			inVendor = false
			continue
		}
		vendor, inVendor = id, true
		db.vendors[id] = name
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// entry parses "xxxx  name".
func entry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(s[5:]), true
}

// Lookup returns the names known for vid:pid.
func (db *Database) Lookup(vid, pid uint16) Names {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Names{
		Vendor:  db.vendors[vid],
		Product: db.products[uint32(vid)<<16|uint32(pid)],
	}
}

// Vendors returns the number of vendors loaded.
func (db *Database) Vendors() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}
