package conflict

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tphan267/socksgate/pkg/providers"
	"github.com/tphan267/socksgate/pkg/utils"
)

var domainPattern = regexp.MustCompile(`^[a-z0-9*_-]+(\.[a-z0-9*_-]+)*$`)

// ValidateDomains normalizes a domain list and returns the entries that are not host names
func ValidateDomains(domains []string) (normalized []string, invalid []string) {
	for _, d := range domains {
		n := utils.NormalizeDomain(d)
		if n != "" && !domainPattern.MatchString(n) {
			invalid = append(invalid, strings.TrimSpace(d))
		}
	}
	return utils.NormalizeDomains(domains), invalid
}

// Error reports domains claimed by other host configs
type Error struct {
	Result *providers.ConflictResult
}

func (e *Error) Error() string {
	domains := make([]string, 0, len(e.Result.Conflicts))
	for _, c := range e.Result.Conflicts {
		domains = append(domains, fmt.Sprintf("%s (%s)", c.Domain, c.GroupName))
	}
	return "domains already configured: " + strings.Join(domains, ", ")
}
