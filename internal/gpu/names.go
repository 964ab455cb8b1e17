// Package gpu resolves human readable AMD GPU names from PCI identifiers.
package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// AMDVendorID is the PCI vendor id of AMD/ATI.
const AMDVendorID = "1002"

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// Resolver looks up product names. Lookup returns "" when the id is unknown.
type Resolver interface {
	Lookup(vendorID, deviceID, subVendorID, subDeviceID string) string
}

// PCIDatabase resolves names through the system pci.ids database.
// The database is loaded lazily on first use and shared process-wide.
type PCIDatabase struct{}

// Lookup implements Resolver.
func (PCIDatabase) Lookup(vendorID, deviceID, subVendorID, subDeviceID string) string {
	return lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID)
}

// ModelName synthesizes a display name from an SMI "Card Model" value and an
// optional "Subsystem ID". PCI device ids ("0x73bf" or exactly four hex digits)
// are resolved through the resolver; anything else that is not a sentinel is
// returned as-is. Returns "" when nothing usable is present.
func ModelName(resolver Resolver, model, subsystem string) string {
	model = strings.TrimSpace(model)
	if !Usable(model) {
		return ""
	}

	deviceID, ok := pciDeviceID(model)
	if !ok {
		return model
	}

	subVendorID, subDeviceID := splitPCIIdentifier(strings.TrimSpace(subsystem))
	if subDeviceID == "" && isHex(normalizePCIID(subsystem)) {
		subDeviceID = subsystem
	}

	if resolver != nil {
		if name := resolver.Lookup(AMDVendorID, deviceID, subVendorID, subDeviceID); name != "" {
			return name
		}
	}
	return fmt.Sprintf("AMD GPU (0x%s)", deviceID)
}

// Usable reports whether an SMI string value carries information.
// rocm-smi prints "N/A" for fields the driver does not expose.
func Usable(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	switch lower {
	case "", "n/a", "na", "none", "unknown", "not applicable":
		return false
	}
	return true
}

func lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		product, ok = db.Products[strings.ToUpper(vendorID+deviceID)]
	}
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil || subsystem.Name == "" {
				continue
			}
			if subVendorID != "" && !strings.EqualFold(subsystem.VendorID, subVendorID) {
				continue
			}
			if strings.EqualFold(subsystem.ID, subDeviceID) {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

// pciDeviceID accepts "0x" followed by one to four hex digits, or exactly four
// hex digits. Bare decimal-looking values such as "29631" are not ids.
func pciDeviceID(model string) (string, bool) {
	digits := model
	prefixed := strings.HasPrefix(model, "0x") || strings.HasPrefix(model, "0X")
	if prefixed {
		digits = model[2:]
	}
	if digits == "" || len(digits) > 4 || (!prefixed && len(digits) != 4) {
		return "", false
	}
	id := normalizePCIID(digits)
	if !isHex(id) {
		return "", false
	}
	return id, true
}

func splitPCIIdentifier(pciID string) (vendorID string, deviceID string) {
	if pciID == "" {
		return "", ""
	}
	parts := strings.SplitN(pciID, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func isHex(value string) bool {
	if value == "" || len(value) > 8 {
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
