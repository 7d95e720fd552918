// Package buildinfo reads a local ".build.info" file: a BPSV table with
// one row per installed product build, from which the active
// installation (the first row with Active == 1) is selected (spec.md §6).
package buildinfo

import (
	"fmt"
	"strconv"

	"github.com/wowemulation-dev/ngdp-go/bpsv"
)

// Installation is one row of a .build.info file.
type Installation struct {
	Product    string
	Branch     string
	Active     bool
	BuildKey   string
	CDNKey     string
	Version    string
	CDNHosts   string
	CDNServers string
	InstallKey string
	Tags       string
	Armadillo  string
}

// File is a parsed .build.info document.
type File struct {
	Installations []Installation
}

// Parse decodes a .build.info BPSV document.
func Parse(raw string) (*File, error) {
	doc, err := bpsv.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("buildinfo: parsing .build.info: %w", err)
	}

	f := &File{Installations: make([]Installation, len(doc.Rows))}
	for i := range f.Installations {
		active, _ := strconv.ParseInt(doc.String(i, "Active"), 10, 64)
		f.Installations[i] = Installation{
			Product:    doc.String(i, "Product"),
			Branch:     doc.String(i, "Branch"),
			Active:     active == 1,
			BuildKey:   doc.String(i, "Build Key"),
			CDNKey:     doc.String(i, "CDN Key"),
			Version:    doc.String(i, "Version"),
			CDNHosts:   doc.String(i, "CDN Hosts"),
			CDNServers: doc.String(i, "CDN Servers"),
			InstallKey: doc.String(i, "Install Key"),
			Tags:       doc.String(i, "Tags"),
			Armadillo:  doc.String(i, "Armadillo"),
		}
	}
	return f, nil
}

// Active returns the first installation with Active == 1, and false if
// none are active.
func (f *File) Active() (Installation, bool) {
	for _, inst := range f.Installations {
		if inst.Active {
			return inst, true
		}
	}
	return Installation{}, false
}

// ForProduct returns the first installation matching product, regardless
// of its Active flag.
func (f *File) ForProduct(product string) (Installation, bool) {
	for _, inst := range f.Installations {
		if inst.Product == product {
			return inst, true
		}
	}
	return Installation{}, false
}
