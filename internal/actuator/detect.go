package actuator

import (
	"fmt"
	"strings"

	"github.com/banshee-data/energyscan/internal/serialmux"
)

// Description fragments and USB vendor ids of the boards the controller
// firmware ships on.
var (
	signatureDescriptions = []string{"Arduino", "USB-SERIAL"}
	signatureVIDs         = map[string]bool{
		"2341": true, // Arduino
		"2A03": true, // Arduino.org
		"1A86": true, // WCH CH340
	}
)

// LooksLikeController reports whether p carries a known controller signature.
func LooksLikeController(p serialmux.PortInfo) bool {
	for _, s := range signatureDescriptions {
		if strings.Contains(p.Description, s) {
			return true
		}
	}
	return p.IsUSB && signatureVIDs[strings.ToUpper(p.VID)]
}

func (a *Actuator) resolvePort(hint string) (string, error) {
	if hint != "" {
		return hint, nil
	}
	ports, err := a.list()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	if len(ports) == 0 {
		return "", ErrDeviceNotFound
	}
	for _, p := range ports {
		if LooksLikeController(p) {
			a.log.WithField("port", p.String()).Info("autodetected positioner")
			return p.Name, nil
		}
	}
	a.log.WithField("port", ports[0].String()).Warn("no controller signature found, using first port")
	return ports[0].Name, nil
}
