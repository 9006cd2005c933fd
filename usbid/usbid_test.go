package usbid

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `# usb.ids sample
046d  Logitech, Inc.
	085c  C922 Pro Stream Webcam
	0825  Webcam C270
		046d 0825  sub-entry ignored
1d6b  Linux Foundation
	0002  2.0 root hub
bogus line
C 00  (Defined at Interface level)
	01  Audio
`

func TestParse(t *testing.T) {
	db := New()
	if err := db.Parse(strings.NewReader(sample)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		vid, pid uint16
		want     Names
	}{
		{0x046d, 0x085c, Names{"Logitech, Inc.", "C922 Pro Stream Webcam"}},
		{0x046d, 0x0825, Names{"Logitech, Inc.", "Webcam C270"}},
		{0x046d, 0xffff, Names{"Logitech, Inc.", ""}},
		{0x1d6b, 0x0002, Names{"Linux Foundation", "2.0 root hub"}},
		{0x1d6b, 0x0001, Names{Vendor: "Linux Foundation"}},
		{0xbeef, 0x0001, Names{}},
	}
	for _, tt := range tests {
		if got := db.Lookup(tt.vid, tt.pid); got != tt.want {
			t.Errorf("Lookup(%04x, %04x) = %+v, want %+v", tt.vid, tt.pid, got, tt.want)
		}
	}
	if got := db.Vendors(); got != 2 {
		t.Errorf("Vendors() = %d, want 2", got)
	}
}

func TestParse_ClassSectionEndsVendors(t *testing.T) {
	db := New()
	db.Parse(strings.NewReader(sample))
	// "\t01  Audio" sits under a class line, not a vendor.
	if got := db.Lookup(0x1d6b, 0x0001); got.Product != "" {
		t.Errorf("Lookup() product = %q, want empty", got.Product)
	}
}

func TestNames_String(t *testing.T) {
	tests := []struct {
		n    Names
		want string
	}{
		{Names{"Acme", "Cam"}, "Acme Cam"},
		{Names{Vendor: "Acme"}, "Acme"},
		{Names{}, ""},
	}
	for _, tt := range tests {
		if got := tt.n.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestFind_ExtraPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usb.ids")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	saved := ExtraPaths
	defer func() { ExtraPaths = saved }()

	ExtraPaths = []string{filepath.Join(t.TempDir(), "absent"), path}
	got, err := Find()
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	// A system database found first through the XDG dirs is also fine.
	if got != path && filepath.Base(got) != "usb.ids" {
		t.Errorf("Find() = %q, want %q", got, path)
	}
}

func TestOpen_Missing(t *testing.T) {
	saved := ExtraPaths
	defer func() { ExtraPaths = saved }()
	ExtraPaths = nil

	db, err := Open()
	if db == nil {
		t.Fatal("Open() returned nil database")
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open() error = %v, want nil or %v", err, os.ErrNotExist)
	}
}
