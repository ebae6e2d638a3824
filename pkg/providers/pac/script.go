package pac

import (
	"encoding/json"
	"strings"

	"github.com/tphan267/socksgate/pkg/providers"
)

// Direct is the PAC directive for no proxy
const Direct = "DIRECT"

const scriptTemplate = `// Proxy auto-config generated by socksgate
var proxyRules = %RULES%;

function endsWith(str, suffix) {
    return str.length >= suffix.length && str.indexOf(suffix, str.length - suffix.length) !== -1;
}

function FindProxyForURL(url, host) {
    host = host.toLowerCase();
    for (var i = 0; i < proxyRules.length; i++) {
        var rule = proxyRules[i];
        for (var j = 0; j < rule.domains.length; j++) {
            var domain = rule.domains[j];
            if (host === domain || endsWith(host, "." + domain)) {
                return rule.proxy;
            }
        }
    }
    return "DIRECT";
}
`

// RenderScript emits an ES5 proxy auto-config script for table
func RenderScript(table *providers.RoutingTable) string {
	rules := []providers.ProxyRule{}
	if table != nil && table.Rules != nil {
		rules = table.Rules
	}
	// json.Marshal escapes <, > and & which keeps the literal inert inside any embedding
	data, err := json.Marshal(rules)
	if err != nil {
		data = []byte("[]")
	}
	return strings.Replace(scriptTemplate, "%RULES%", string(data), 1)
}

// Resolve applies the script's matching rule in Go: the first rule whose domain equals host
// or is a dot-suffix of it wins, otherwise DIRECT.
func Resolve(table *providers.RoutingTable, host string) string {
	if table == nil {
		return Direct
	}
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	for _, rule := range table.Rules {
		for _, domain := range rule.Domains {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return rule.Proxy
			}
		}
	}
	return Direct
}
