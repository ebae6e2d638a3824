package pac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/socksgate/pkg/api"
)

const contentTypePAC = "application/x-ns-proxy-autoconfig"

// RegisterAPIRoutes registers the public PAC routes
func (g *Generator) RegisterAPIRoutes(app interface{}) error {
	fiberApp, ok := app.(*fiber.App)
	if !ok {
		return fmt.Errorf("invalid app type, expected *fiber.App")
	}

	fiberApp.Get("/proxy.pac", g.handleScript)

	pacAPI := fiberApp.Group("/api/v1/pac")
	pacAPI.Get("/config", g.handleConfig)
	pacAPI.Get("/proxy.pac", g.handleScript)
	pacAPI.Get("/preview", g.handlePreview)
	pacAPI.Get("/extract-hosts", g.handleExtractHosts)
	pacAPI.Get("/resolve", g.handleResolve)
	return nil
}

// handleConfig handles GET /api/v1/pac/config - returns the routing table
func (g *Generator) handleConfig(c *fiber.Ctx) error {
	table, err := g.GenerateRoutingTable(g.ProxyHost(c))
	if err != nil {
		g.logger.Error("Failed to build routing table: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to build routing table")
	}
	return api.SuccessResp(c, table)
}

// handleScript handles GET /proxy.pac - serves the PAC script
func (g *Generator) handleScript(c *fiber.Ctx) error {
	script, err := g.script(c)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, contentTypePAC)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	return c.SendString(script)
}

// handlePreview handles GET /api/v1/pac/preview - the script as plain text
func (g *Generator) handlePreview(c *fiber.Ctx) error {
	script, err := g.script(c)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(script)
}

func (g *Generator) script(c *fiber.Ctx) (string, error) {
	table, err := g.GenerateRoutingTable(g.ProxyHost(c))
	if err != nil {
		g.logger.Error("Failed to build routing table: %v", err)
		// Browsers treat a broken PAC as fatal; fall back to direct
		return RenderScript(nil), nil
	}
	return RenderScript(table), nil
}

// handleExtractHosts handles GET /api/v1/pac/extract-hosts?pacUrl= - domains from a foreign PAC
func (g *Generator) handleExtractHosts(c *fiber.Ctx) error {
	pacURL := strings.TrimSpace(c.Query("pacUrl"))
	if pacURL == "" {
		return api.ErrorBadRequestResp(c, "pacUrl is required")
	}

	script, err := fetchScript(pacURL)
	if err != nil {
		g.logger.Warn("Failed to fetch PAC %s: %v", pacURL, err)
		if errors.Is(err, errInvalidPACURL) {
			return api.ErrorBadRequestResp(c, err.Error())
		}
		return api.CodeResp(c, api.CodeFetchFailed, "Failed to fetch PAC file", err.Error())
	}

	hosts := ExtractDomains(script)
	return api.SuccessResp(c, fiber.Map{
		"hosts": hosts,
		"count": len(hosts),
	})
}

// handleResolve handles GET /api/v1/pac/resolve?host= - which directive the PAC would return
func (g *Generator) handleResolve(c *fiber.Ctx) error {
	host := strings.TrimSpace(c.Query("host"))
	if host == "" {
		return api.ErrorBadRequestResp(c, "host is required")
	}

	table, err := g.GenerateRoutingTable(g.ProxyHost(c))
	if err != nil {
		g.logger.Error("Failed to build routing table: %v", err)
		return api.ErrorInternalServerErrorResp(c, "Failed to build routing table")
	}

	return api.SuccessResp(c, fiber.Map{
		"host":  host,
		"proxy": Resolve(table, host),
	})
}
