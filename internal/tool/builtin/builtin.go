// Package builtin provides the local tools configurations can load and the
// always-on service tools the kernel registers regardless of configuration.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gcsruntime/gcs/internal/tool"
)

const (
	probeTimeout = 10 * time.Second

	// ErrorKindDNS marks resolver failures; the turn loop recognises it for
	// the deterministic no-LLM answer path.
	ErrorKindDNS = "DNS_ERROR"
)

// Local returns the loadable local tools keyed by name. A configuration
// manifest picks from this set.
func Local() map[string]tool.Definition {
	defs := []tool.Definition{
		websiteCheck(),
		dnsLookup(),
		currentTime(),
	}
	out := make(map[string]tool.Definition, len(defs))
	for _, d := range defs {
		out[d.Name] = d
	}
	return out
}

// ── website_check ──

func websiteCheck() tool.Definition {
	return tool.Definition{
		Name:        "website_check",
		DisplayName: "Website Check",
		Description: "Check whether a website is reachable by sending an HTTP HEAD request.",
		Parameters: tool.BuildSchema(
			tool.SchemaParam{Name: "url", Type: "string", Description: "Absolute http/https URL to probe", Required: true},
		),
		Kind:     tool.KindLocal,
		Approval: tool.ApprovalAuto,
		ReadOnly: true,
		Handler:  runWebsiteCheck,
	}
}

func runWebsiteCheck(ctx context.Context, args map[string]any) (tool.Result, error) {
	raw, _ := args["url"].(string)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return failure("website_check", fmt.Sprintf("invalid URL %q", raw), "VALIDATION_ERROR"), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, u.String(), nil)
	if err != nil {
		return failure("website_check", err.Error(), "VALIDATION_ERROR"), nil
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		kind := "NETWORK_ERROR"
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			kind = ErrorKindDNS
		}
		return failure("website_check", fmt.Sprintf("request failed: %v", err), kind), nil
	}
	defer resp.Body.Close()

	payload, _ := json.Marshal(map[string]any{
		"status":      "ok",
		"http_status": resp.StatusCode,
	})
	return tool.Result{
		ToolName:       "website_check",
		Success:        true,
		LLMContent:     string(payload),
		DisplayContent: fmt.Sprintf("%s responded with HTTP %d", u.Host, resp.StatusCode),
	}, nil
}

// ── dns_lookup ──

func dnsLookup() tool.Definition {
	return tool.Definition{
		Name:        "dns_lookup",
		DisplayName: "DNS Lookup",
		Description: "Resolve a domain name to its IP addresses.",
		Parameters: tool.BuildSchema(
			tool.SchemaParam{Name: "domain", Type: "string", Description: "Domain name to resolve", Required: true},
		),
		Kind:     tool.KindLocal,
		Approval: tool.ApprovalAuto,
		ReadOnly: true,
		Handler:  runDNSLookup,
	}
}

func runDNSLookup(ctx context.Context, args map[string]any) (tool.Result, error) {
	domain, _ := args["domain"].(string)
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return failure("dns_lookup", "domain must not be empty", "VALIDATION_ERROR"), nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, domain)
	if err != nil {
		return failure("dns_lookup", fmt.Sprintf("domain does not exist or cannot be resolved: %v", err), ErrorKindDNS), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"status":    "ok",
		"addresses": addrs,
	})
	return tool.Result{
		ToolName:       "dns_lookup",
		Success:        true,
		LLMContent:     string(payload),
		DisplayContent: fmt.Sprintf("%s resolves to %s", domain, strings.Join(addrs, ", ")),
	}, nil
}

// ── current_time ──

func currentTime() tool.Definition {
	return tool.Definition{
		Name:        "current_time",
		DisplayName: "Current Time",
		Description: "Get the current time, optionally in a specific IANA timezone.",
		Parameters: tool.BuildSchema(
			tool.SchemaParam{Name: "timezone", Type: "string", Description: "IANA timezone name, e.g. Europe/Paris (optional)", Required: false},
		),
		Kind:     tool.KindService,
		Approval: tool.ApprovalYolo,
		ReadOnly: true,
		Handler:  runCurrentTime,
	}
}

func runCurrentTime(_ context.Context, args map[string]any) (tool.Result, error) {
	now := time.Now()
	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return failure("current_time", fmt.Sprintf("invalid timezone %q: %v", tz, err), "VALIDATION_ERROR"), nil
		}
		now = now.In(loc)
	}
	text := now.Format(time.RFC3339)
	return tool.Result{
		ToolName:       "current_time",
		Success:        true,
		LLMContent:     text,
		DisplayContent: text,
	}, nil
}

// ── system_parameters ──

// ParamStore is the kernel-side backing for the system_parameters service.
type ParamStore interface {
	SystemParameters() map[string]any
	SetSystemParameters(params map[string]any) error
}

// SystemParameters returns the always-on service tool over the given store.
func SystemParameters(store ParamStore) tool.Definition {
	return tool.Definition{
		Name:        "system_parameters",
		DisplayName: "System Parameters",
		Description: "Read or adjust runtime parameters such as the approval mode and the per-turn tool budget.",
		Parameters: tool.BuildSchema(
			tool.SchemaParam{Name: "action", Type: "string", Description: "Operation to perform", Required: true, Enum: []string{"get", "set"}},
			tool.SchemaParam{Name: "parameters", Type: "object", Description: `Parameter map for action "set"`, Required: false},
		),
		Kind:     tool.KindService,
		Approval: tool.ApprovalDefault,
		Handler: func(_ context.Context, args map[string]any) (tool.Result, error) {
			action, _ := args["action"].(string)
			switch action {
			case "get":
				payload, _ := json.Marshal(store.SystemParameters())
				return tool.Result{
					ToolName:       "system_parameters",
					Success:        true,
					LLMContent:     string(payload),
					DisplayContent: string(payload),
				}, nil
			case "set":
				params, _ := args["parameters"].(map[string]any)
				if len(params) == 0 {
					return failure("system_parameters", `action "set" requires a non-empty parameters object`, "VALIDATION_ERROR"), nil
				}
				if err := store.SetSystemParameters(params); err != nil {
					return failure("system_parameters", err.Error(), "VALIDATION_ERROR"), nil
				}
				return tool.Result{
					ToolName:       "system_parameters",
					Success:        true,
					LLMContent:     "parameters updated",
					DisplayContent: "parameters updated",
				}, nil
			default:
				return failure("system_parameters", fmt.Sprintf("unknown action %q", action), "VALIDATION_ERROR"), nil
			}
		},
	}
}

func failure(name, msg, kind string) tool.Result {
	return tool.Result{
		ToolName:       name,
		Success:        false,
		Error:          msg,
		ErrorKind:      kind,
		DisplayContent: msg,
	}
}
