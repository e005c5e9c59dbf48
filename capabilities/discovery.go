package capabilities

import (
	"context"
	"errors"
	"strings"

	"github.com/forgeline-dev/testforge/coreengine/envelope"
	"github.com/forgeline-dev/testforge/coreengine/tools"
	"github.com/forgeline-dev/testforge/coreengine/typeutil"
)

// WebDiscoveryName is the registry key for the exploration capability.
const WebDiscoveryName = "web_discovery"

// WebDiscovery crawls a target application through an Explorer and maps the
// findings into element and page records for the planning stage.
type WebDiscovery struct {
	explorer Explorer
	maxDepth int
	maxPages int
}

var _ tools.Capability = (*WebDiscovery)(nil)

// NewWebDiscovery creates the capability with default crawl bounds; args may
// override them per invocation.
func NewWebDiscovery(explorer Explorer, maxDepth, maxPages int) *WebDiscovery {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	return &WebDiscovery{explorer: explorer, maxDepth: maxDepth, maxPages: maxPages}
}

func (c *WebDiscovery) Metadata() tools.Metadata {
	return tools.Metadata{
		Name:        WebDiscoveryName,
		Description: "Discovers interactive UI elements by crawling a web application",
		Version:     "1.0.0",
		Tags:        []string{"discovery", "web", "ui", "browser"},
		IsSafe:      true,
		InputSchema: map[string]any{
			"url":       "string (required) - starting URL for the crawl",
			"max_depth": "int (optional) - maximum crawl depth",
			"max_pages": "int (optional) - maximum pages to visit",
		},
		OutputSchema: map[string]any{
			"elements": "[]envelope.Element - discovered elements with selectors",
			"pages":    "[]envelope.Page - visited pages",
		},
	}
}

// Run validates the crawl arguments and delegates to the explorer. Missing
// browser tooling surfaces as a dependency error; unreachable pages surface
// as navigation errors.
func (c *WebDiscovery) Run(ctx context.Context, args map[string]any) (any, error) {
	url := strings.TrimSpace(typeutil.SafeStringDefault(args["url"], ""))
	if url == "" {
		return tools.NewFailureResult("url is required"), nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return tools.NewFailureResult("url must start with http:// or https://"), nil
	}
	maxDepth := typeutil.SafeIntDefault(args["max_depth"], c.maxDepth)
	maxPages := typeutil.SafeIntDefault(args["max_pages"], c.maxPages)
	if maxDepth <= 0 || maxPages <= 0 {
		return tools.NewFailureResult("max_depth and max_pages must be positive"), nil
	}

	if c.explorer == nil {
		return nil, tools.NewDependencyError("browser explorer",
			"configure a browser adapter (Chrome must be installed for chromedp)",
			errors.New("no explorer configured"))
	}

	found, err := c.explorer.Discover(ctx, url, maxDepth, maxPages)
	if err != nil {
		return nil, err
	}

	res := tools.NewSuccessResult(map[string]any{
		"elements": found.Elements,
		"pages":    found.Pages,
	})
	res.SetMetadata("start_url", url)
	res.SetMetadata("crawl_depth", maxDepth)
	res.SetMetadata("total_elements", len(found.Elements))
	res.SetMetadata("total_pages", len(found.Pages))
	res.SetMetadata("element_types", countElementTypes(found.Elements))
	return res, nil
}

func countElementTypes(elements []envelope.Element) map[string]int {
	counts := make(map[string]int, 8)
	for _, el := range elements {
		counts[el.Kind]++
	}
	return counts
}
