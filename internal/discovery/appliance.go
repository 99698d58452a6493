// Package discovery locates appliances on the network (spec §4.4): a UDP
// broadcast pass using the hdhomerun wire protocol, and HTTP fallbacks
// (cloud device list, subnet scan) that supplement or substitute for it.
package discovery

import "time"

// Appliance is the authoritative record for one discovered device
// (spec §3 "Appliance").
type Appliance struct {
	DeviceID     string
	Addr         string // host or host:port the appliance answered from
	BaseURL      string
	FriendlyName string
	ModelNumber  string
	FirmwareName string
	FirmwareVer  string
	DeviceAuth   string
	LineupURL    string
	TunerCount   int
	StorageID    string
	StorageURL   string // presence marks the appliance DVR-capable
	TotalSpace   int64
	FreeSpace    int64

	LastSeen time.Time
	Online   bool
	Source   string // "udp", "cloud", "subnet" — how we last confirmed it
}

// DVRCapable reports whether the appliance exposes a recording/storage
// endpoint, per spec §4.4.
func (a *Appliance) DVRCapable() bool { return a.StorageURL != "" }

// discoverJSON is the shape of an appliance's /discover.json body,
// spec §4.4: "at least { FriendlyName, ModelNumber, DeviceID,
// FirmwareName, FirmwareVersion, DeviceAuth, BaseURL, LineupURL,
// TunerCount, StorageID?, StorageURL?, TotalSpace?, FreeSpace? }".
type discoverJSON struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	DeviceID        string `json:"DeviceID"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
	StorageID       string `json:"StorageID,omitempty"`
	StorageURL      string `json:"StorageURL,omitempty"`
	TotalSpace      int64  `json:"TotalSpace,omitempty"`
	FreeSpace       int64  `json:"FreeSpace,omitempty"`
}

func (d *discoverJSON) toAppliance(addr, source string) *Appliance {
	return &Appliance{
		DeviceID:     d.DeviceID,
		Addr:         addr,
		BaseURL:      d.BaseURL,
		FriendlyName: d.FriendlyName,
		ModelNumber:  d.ModelNumber,
		FirmwareName: d.FirmwareName,
		FirmwareVer:  d.FirmwareVersion,
		DeviceAuth:   d.DeviceAuth,
		LineupURL:    d.LineupURL,
		TunerCount:   d.TunerCount,
		StorageID:    d.StorageID,
		StorageURL:   d.StorageURL,
		TotalSpace:   d.TotalSpace,
		FreeSpace:    d.FreeSpace,
		LastSeen:     time.Now(),
		Online:       true,
		Source:       source,
	}
}
