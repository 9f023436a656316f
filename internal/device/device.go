package device

import (
	"bufio"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/phuslu/log"
)

const DefaultAppVersion = "1.0"

var ErrNoIdentity = errors.New("device identity unavailable")

// Metadata is the static part of every record.
type Metadata struct {
	DeviceID   string `json:"device_id"`
	Model      string `json:"device_model"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
}

func (m *Metadata) MarshalObject(e *log.Entry) {
	e.Str("device_id", m.DeviceID).Str("device_model", m.Model).Str("os_version", m.OSVersion)
}

type IdentityProvider interface {
	Identity() (Metadata, error)
}

// Static returns the same metadata on every call. An empty DeviceID is
// reported as ErrNoIdentity.
type Static Metadata

func (s Static) Identity() (Metadata, error) {
	m := Metadata(s)
	if m.DeviceID == "" {
		return m, ErrNoIdentity
	}
	if m.AppVersion == "" {
		m.AppVersion = DefaultAppVersion
	}
	return m, nil
}

// Host resolves identity from the running machine: machine-id for the
// device id, hostname-derived uuid as a fallback, os-release for the version.
type Host struct {
	AppVersion    string
	MachineIDPath []string
	OSReleasePath string
	hostname      func() (string, error)
}

func NewHost(appVersion string) *Host {
	return &Host{
		AppVersion:    appVersion,
		MachineIDPath: []string{"/etc/machine-id", "/var/lib/dbus/machine-id"},
		OSReleasePath: "/etc/os-release",
		hostname:      os.Hostname,
	}
}

func (h *Host) Identity() (Metadata, error) {
	m := Metadata{AppVersion: h.AppVersion}
	if m.AppVersion == "" {
		m.AppVersion = DefaultAppVersion
	}
	host, herr := h.hostname()
	m.DeviceID = h.machineID()
	if m.DeviceID == "" {
		if herr != nil || host == "" {
			return m, ErrNoIdentity
		}
		m.DeviceID = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host)).String()
	}
	m.Model = runtime.GOOS + "/" + runtime.GOARCH
	if host != "" {
		m.Model = host + " (" + m.Model + ")"
	}
	m.OSVersion = h.osVersion()
	return m, nil
}

func (h *Host) machineID() string {
	for _, p := range h.MachineIDPath {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(b))
		if id != "" {
			return id
		}
	}
	return ""
}

func (h *Host) osVersion() string {
	f, err := os.Open(h.OSReleasePath)
	if err != nil {
		return runtime.GOOS
	}
	defer f.Close()
	var id, version string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "ID":
			id = v
		case "VERSION_ID":
			version = v
		}
	}
	if version == "" {
		return runtime.GOOS
	}
	if id == "" {
		return version
	}
	return id + " " + version
}

// Cached resolves identity once and reuses the first successful result.
type Cached struct {
	IdentityProvider
	mu sync.Mutex
	m  Metadata
	ok bool
}

func (c *Cached) Identity() (Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok {
		return c.m, nil
	}
	m, err := c.IdentityProvider.Identity()
	if err != nil {
		return m, err
	}
	c.m, c.ok = m, true
	return m, nil
}
