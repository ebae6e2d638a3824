package pac

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/socksgate/pkg/utils"
)

var (
	proxyDomainsPattern  = regexp.MustCompile(`var\s+proxyDomains\s*=\s*\[([\s\S]*?)\]`)
	stringLiteralPattern = regexp.MustCompile(`["']([^"'\s]+)["']`)
)

const fetchTimeout = 10 * time.Second

var errInvalidPACURL = errors.New("invalid PAC URL")

// ExtractDomains pulls the string literals out of `var proxyDomains = [...]` in a PAC script
func ExtractDomains(script string) []string {
	m := proxyDomainsPattern.FindStringSubmatch(script)
	if m == nil {
		return []string{}
	}
	var domains []string
	for _, lit := range stringLiteralPattern.FindAllStringSubmatch(m[1], -1) {
		domains = append(domains, lit[1])
	}
	return utils.NormalizeDomains(domains)
}

// fetchScript downloads a PAC file over http(s)
func fetchScript(pacURL string) (string, error) {
	u, err := url.Parse(pacURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w %q", errInvalidPACURL, pacURL)
	}

	agent := fiber.Get(u.String())
	agent.Timeout(fetchTimeout)
	code, body, errs := agent.String()
	if len(errs) > 0 {
		return "", fmt.Errorf("fetch %s: %w", u.Redacted(), errs[0])
	}
	if code < 200 || code >= 300 {
		return "", fmt.Errorf("fetch %s: HTTP %d", u.Redacted(), code)
	}
	return body, nil
}
