package internal

import (
	"os"
	"path/filepath"
)

// Default on-device locations. Every one of them can be overridden from the
// [agent] and [ostree] sections of the config file.
const (
	DefaultOSRepo         = "/ostree/repo"
	DefaultAppsDir        = "/apps"
	DefaultUnitsDir       = "/etc/systemd/system"
	DefaultNotifyDir      = "/tmp/ota-agent"
	DefaultRebootJournal  = "/var/local/ota-agent/reboot_data.json"
	DefaultRevisionLedger = "/var/local/ota-agent/revisions.json"
)

// Marker files kept inside a container's install directory.
const (
	CheckoutMarker  = "CheckoutDone"
	AutostartMarker = "auto.start"
	UnitFileName    = "systemd.service"
)

// GetAppsRoot returns the apps root directory from environment or default
func GetAppsRoot() string {
	root := os.Getenv("OTA_AGENT_APPS_DIR")
	if root == "" {
		root = DefaultAppsDir
	}
	return root
}

// AppsRepoDir is the directory of the containers content store inside the apps root
const AppsRepoDir = "ostree_repo"

// AppsRepoPath returns the containers content store, which lives under the apps root
func AppsRepoPath(appsDir string) string {
	return filepath.Join(appsDir, AppsRepoDir)
}

// AppDir returns the install directory of a container
func AppDir(appsDir, name string) string {
	return filepath.Join(appsDir, name)
}

// NotifySocketPath returns the control endpoint a notify container reports its health on
func NotifySocketPath(notifyDir, name string) string {
	return filepath.Join(notifyDir, "ota_notify_"+name+".sock")
}

// UnitName returns the systemd unit name of a container
func UnitName(name string) string {
	return name + ".service"
}
