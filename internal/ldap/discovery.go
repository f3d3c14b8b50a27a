package ldap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SRVDiscovery handles DNS SRV record discovery of directory servers.
type SRVDiscovery struct {
	ctx      context.Context // Logging context with LDAP subsystem
	resolver *net.Resolver
}

// NewSRVDiscovery creates a new SRV discovery instance.
func NewSRVDiscovery(ctx context.Context) *SRVDiscovery {
	return &SRVDiscovery{
		ctx:      ctx,
		resolver: net.DefaultResolver,
	}
}

// DiscoverEndpoints discovers directory servers for a domain using SRV records,
// in order of preference:
// 1. _ldaps._tcp.<domain> (LDAPS)
// 2. _ldap._tcp.<domain> (LDAP, optionally upgraded with StartTLS)
// 3. _gc._tcp.<domain> (Global Catalog).
//
// When no record is found the standard ports on the domain name itself are returned.
func (d *SRVDiscovery) DiscoverEndpoints(ctx context.Context, domain string) ([]*Endpoint, error) {
	start := time.Now()

	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	tflog.SubsystemDebug(d.ctx, "ldap", "Starting endpoint discovery for domain", map[string]any{
		"domain": domain,
	})

	var endpoints []*Endpoint

	srvRecords := []struct {
		service string
		scheme  string
	}{
		{"_ldaps._tcp." + domain, SchemeLDAPS},
		{"_ldap._tcp." + domain, SchemeLDAP},
		{"_gc._tcp." + domain, SchemeLDAP},
	}

	for _, record := range srvRecords {
		found, err := d.lookupSRV(ctx, record.service, record.scheme)
		if err != nil {
			continue
		}
		endpoints = append(endpoints, found...)

		// LDAPS servers win outright
		if record.scheme == SchemeLDAPS && len(found) > 0 {
			break
		}
	}

	if len(endpoints) == 0 {
		tflog.SubsystemDebug(d.ctx, "ldap", "No SRV records found, using fallback endpoints", map[string]any{
			"domain":   domain,
			"duration": time.Since(start).String(),
		})
		return fallbackEndpoints(domain), nil
	}

	sortEndpointsByPriority(endpoints)

	tflog.SubsystemDebug(d.ctx, "ldap", "Endpoint discovery completed", map[string]any{
		"duration":       time.Since(start).String(),
		"endpoint_count": len(endpoints),
	})
	return endpoints, nil
}

// lookupSRV performs SRV record lookup for a specific service.
func (d *SRVDiscovery) lookupSRV(ctx context.Context, service, scheme string) ([]*Endpoint, error) {
	_, records, err := d.resolver.LookupSRV(ctx, "", "", service)
	if err != nil {
		tflog.SubsystemDebug(d.ctx, "ldap", "SRV lookup failed", map[string]any{
			"service": service,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("SRV lookup failed for %s: %w", service, err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", service)
	}

	endpoints := make([]*Endpoint, 0, len(records))
	for _, srv := range records {
		endpoints = append(endpoints, &Endpoint{
			Scheme:   scheme,
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
			Source:   "srv",
		})
	}

	return endpoints, nil
}

// fallbackEndpoints returns the standard ports on the domain name.
func fallbackEndpoints(domain string) []*Endpoint {
	return []*Endpoint{
		{
			Scheme:   SchemeLDAPS,
			Host:     domain,
			Port:     DefaultLDAPSPort,
			Priority: 0,
			Weight:   100,
			Source:   "fallback",
		},
		{
			Scheme:   SchemeLDAP,
			Host:     domain,
			Port:     DefaultLDAPPort,
			Priority: 1,
			Weight:   100,
			Source:   "fallback",
		},
	}
}

// sortEndpointsByPriority sorts by priority ascending, then weight descending (RFC 2782).
func sortEndpointsByPriority(endpoints []*Endpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Priority != endpoints[j].Priority {
			return endpoints[i].Priority < endpoints[j].Priority
		}
		return endpoints[i].Weight > endpoints[j].Weight
	})
}

// ConnectionManagers builds one ConnectionManager per discovered endpoint,
// all sharing the same settings.
func (d *SRVDiscovery) ConnectionManagers(ctx context.Context, domain string, settings ConnectionSettings) ([]ConnectionManager, error) {
	endpoints, err := d.DiscoverEndpoints(ctx, domain)
	if err != nil {
		return nil, err
	}

	managers := make([]ConnectionManager, 0, len(endpoints))
	for _, endpoint := range endpoints {
		managers = append(managers, NewConnectionManager(endpoint.URL()).WithConnectionSettings(settings))
	}
	return managers, nil
}
