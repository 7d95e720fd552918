// Package ribbit defines the typed result shapes for the Ribbit/TACT
// version-discovery protocol surface (spec.md §6) and a Client boundary
// so this core never depends on a specific transport: a caller wires in
// the TCP MIME-like Ribbit protocol or the V2 HTTPS form, both of which
// return identical BPSV payloads.
package ribbit

import (
	"context"
	"fmt"

	"github.com/wowemulation-dev/ngdp-go/bpsv"
)

// VersionsEntry is one row of the Versions endpoint response:
// Region|BuildConfig|CDNConfig|BuildId|VersionsName|ProductConfig.
type VersionsEntry struct {
	Region        string
	BuildConfig   string
	CDNConfig     string
	BuildID       string
	VersionsName  string
	ProductConfig string
}

// CDNsEntry is one row of the CDNs endpoint response:
// Name|Path|Hosts|Servers|ConfigPath.
type CDNsEntry struct {
	Name       string
	Path       string
	Hosts      []string
	Servers    []string
	ConfigPath string
}

// Client fetches the Versions and CDNs endpoints for a product, leaving
// the actual protocol (Ribbit TCP, or V2 HTTPS) to the implementation.
type Client interface {
	Versions(ctx context.Context, product string) ([]VersionsEntry, error)
	CDNs(ctx context.Context, product string) ([]CDNsEntry, error)
}

// ParseVersions decodes a Versions endpoint's raw BPSV body.
func ParseVersions(raw string) ([]VersionsEntry, error) {
	doc, err := bpsv.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ribbit: parsing versions bpsv: %w", err)
	}
	col := func(row int, name string) string {
		return doc.String(row, name)
	}
	out := make([]VersionsEntry, len(doc.Rows))
	for i := range out {
		out[i] = VersionsEntry{
			Region:        col(i, "Region"),
			BuildConfig:   col(i, "BuildConfig"),
			CDNConfig:     col(i, "CDNConfig"),
			BuildID:       col(i, "BuildId"),
			VersionsName:  col(i, "VersionsName"),
			ProductConfig: col(i, "ProductConfig"),
		}
	}
	return out, nil
}

// ParseCDNs decodes a CDNs endpoint's raw BPSV body.
func ParseCDNs(raw string) ([]CDNsEntry, error) {
	doc, err := bpsv.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ribbit: parsing cdns bpsv: %w", err)
	}
	col := func(row int, name string) string {
		return doc.String(row, name)
	}
	out := make([]CDNsEntry, len(doc.Rows))
	for i := range out {
		out[i] = CDNsEntry{
			Name:       col(i, "Name"),
			Path:       col(i, "Path"),
			Hosts:      splitFields(col(i, "Hosts")),
			Servers:    splitFields(col(i, "Servers")),
			ConfigPath: col(i, "ConfigPath"),
		}
	}
	return out, nil
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
