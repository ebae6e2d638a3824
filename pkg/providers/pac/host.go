package pac

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/socksgate/pkg/utils"
)

// ProxyHost picks the host that PAC clients should dial: the pac_service_host setting, then the
// configured proxy host, then the request's forwarded or Host header unless it is loopback, then
// the first non-loopback IPv4, then 127.0.0.1.
func (g *Generator) ProxyHost(c *fiber.Ctx) string {
	if sc, err := g.registry.GetSystemConfig(); err == nil {
		if host, ok := sc.Get("pac_service_host"); ok && host != "" {
			return host
		}
	}

	if host := g.registry.Config().ProxyHost; host != "" {
		return host
	}

	if c != nil {
		for _, header := range []string{c.Get("X-Forwarded-Host"), c.Get(fiber.HeaderHost)} {
			host := utils.HostWithoutPort(header)
			if host != "" && !utils.IsLoopbackHost(host) {
				return host
			}
		}
	}

	return utils.PrimaryIPv4("127.0.0.1")
}
