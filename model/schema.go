package model

import (
	"fmt"
	"strconv"
	"strings"
)

// NumVariables and NumSites are the fixed schema dimensions spec.md §1
// and §3 name: twenty variables over ten sites.
const (
	NumVariables = 20
	NumSites     = 10
)

// VarIndex returns the numeric index of a variable id like "x7" (-> 7).
func VarIndex(id VariableID) (int, error) {
	s := string(id)
	if !strings.HasPrefix(s, "x") {
		return 0, fmt.Errorf("model: malformed variable id %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil {
		return 0, fmt.Errorf("model: malformed variable id %q: %w", s, err)
	}
	if n < 1 || n > NumVariables {
		return 0, fmt.Errorf("model: variable id %q out of range 1..%d", s, NumVariables)
	}
	return n, nil
}

// IsReplicated reports whether the variable index is even (spec.md §3).
func IsReplicated(index int) bool {
	return index%2 == 0
}

// HomeSite returns the single site hosting an odd-indexed (non-replicated)
// variable: site_id = (2k+1) mod 10 + 1, i.e. index mod 10 + 1.
func HomeSite(index int) SiteID {
	return SiteID(index%NumSites + 1)
}

// HostSites returns every site id that hosts the given variable index:
// all ten sites for a replicated (even) variable, or the single home site
// for a non-replicated (odd) one.
func HostSites(index int) []SiteID {
	if IsReplicated(index) {
		sites := make([]SiteID, 0, NumSites)
		for s := 1; s <= NumSites; s++ {
			sites = append(sites, SiteID(s))
		}
		return sites
	}
	return []SiteID{HomeSite(index)}
}
