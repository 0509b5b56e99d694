package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/csSone/LlamacppServer/internal/ai"
)

const (
	WebSearchTool      = "builtin_web_search"
	CurrentTimeTool    = "get_current_time"
	ConvertTimeTool    = "convert_time"
	maxSearchResults   = 10
	defaultTimezoneArg = "UTC"
)

// WebSearchDef is offered to the model when web search is enabled. The
// search query itself is the last user message; the model only adds to it.
func WebSearchDef() ai.ToolDef {
	return ai.ToolDef{
		Type: "function",
		Function: ai.ToolFunction{
			Name:        WebSearchTool,
			Description: "Web search tool for finding current information. The user's latest message is used as the query; pass anything that should be searched in addition.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"additionalContext":{"type":"string","description":"Extra search terms to append to the user's question."}},"required":["additionalContext"]}`),
		},
	}
}

func CurrentTimeDef() ai.ToolDef {
	return ai.ToolDef{
		Type: "function",
		Function: ai.ToolFunction{
			Name:        CurrentTimeTool,
			Description: "Get the current time in a specific timezone.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA timezone name, e.g. Europe/Berlin. Defaults to UTC."}}}`),
		},
	}
}

func ConvertTimeDef() ai.ToolDef {
	return ai.ToolDef{
		Type: "function",
		Function: ai.ToolFunction{
			Name:        ConvertTimeTool,
			Description: "Convert a wall-clock time between timezones.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"source_timezone":{"type":"string"},"time":{"type":"string","description":"24-hour HH:MM"},"target_timezone":{"type":"string"}},"required":["source_timezone","time","target_timezone"]}`),
		},
	}
}

// RegisterBuiltins installs the time tools, and web search when searxURL
// is set.
func RegisterBuiltins(r *Registry, searxURL string, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.Register(CurrentTimeDef(), currentTime(now))
	r.Register(ConvertTimeDef(), convertTime(now))
	if strings.TrimSpace(searxURL) != "" {
		s := &SearxSearcher{BaseURL: strings.TrimRight(searxURL, "/"), Client: &http.Client{Timeout: 30 * time.Second}}
		r.Register(WebSearchDef(), s.Handle)
	}
}

func parseArgs(arguments string, dst any) error {
	if strings.TrimSpace(arguments) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(arguments), dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type zoneTime struct {
	Timezone string `json:"timezone"`
	Datetime string `json:"datetime"`
	IsDST    bool   `json:"is_dst"`
}

func at(t time.Time, zone string) zoneTime {
	return zoneTime{Timezone: zone, Datetime: t.Format(time.RFC3339), IsDST: t.IsDST()}
}

func loadZone(name string) (*time.Location, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultTimezoneArg
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, "", fmt.Errorf("invalid timezone %q", name)
	}
	return loc, name, nil
}

func currentTime(now func() time.Time) Handler {
	return func(ctx context.Context, arguments, _ string) (string, error) {
		var args struct {
			Timezone string `json:"timezone"`
		}
		if err := parseArgs(arguments, &args); err != nil {
			return "", err
		}
		loc, name, err := loadZone(args.Timezone)
		if err != nil {
			return "", err
		}
		b, _ := json.Marshal(at(now().In(loc), name))
		return string(b), nil
	}
}

func convertTime(now func() time.Time) Handler {
	return func(ctx context.Context, arguments, _ string) (string, error) {
		var args struct {
			Source string `json:"source_timezone"`
			Time   string `json:"time"`
			Target string `json:"target_timezone"`
		}
		if err := parseArgs(arguments, &args); err != nil {
			return "", err
		}
		src, srcName, err := loadZone(args.Source)
		if err != nil {
			return "", err
		}
		dst, dstName, err := loadZone(args.Target)
		if err != nil {
			return "", err
		}
		hm, err := time.Parse("15:04", strings.TrimSpace(args.Time))
		if err != nil {
			return "", fmt.Errorf("invalid time %q, expected HH:MM", args.Time)
		}
		day := now().In(src)
		srcT := time.Date(day.Year(), day.Month(), day.Day(), hm.Hour(), hm.Minute(), 0, 0, src)
		dstT := srcT.In(dst)

		_, srcOff := srcT.Zone()
		_, dstOff := dstT.Zone()
		hours := float64(dstOff-srcOff) / 3600
		diff := fmt.Sprintf("%+.1fh", hours)
		if hours != float64(int(hours)) {
			diff = fmt.Sprintf("%+.2fh", hours)
		}

		b, _ := json.Marshal(map[string]any{
			"source":          at(srcT, srcName),
			"target":          at(dstT, dstName),
			"time_difference": diff,
		})
		return string(b), nil
	}
}

// SearxSearcher answers builtin_web_search from a SearXNG instance.
type SearxSearcher struct {
	BaseURL string
	Client  *http.Client
}

type searxResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Query joins the prepared query and the model's additional context.
func Query(preparedQuery, arguments string) string {
	var args struct {
		AdditionalContext string `json:"additionalContext"`
	}
	_ = json.Unmarshal([]byte(arguments), &args)
	base := strings.TrimSpace(preparedQuery)
	extra := strings.TrimSpace(args.AdditionalContext)
	switch {
	case extra == "":
		return base
	case base == "":
		return extra
	default:
		return base + "\n" + extra
	}
}

func (s *SearxSearcher) Handle(ctx context.Context, arguments, preparedQuery string) (string, error) {
	q := Query(preparedQuery, arguments)
	if q == "" {
		return "", errors.New("web search is missing a query: additionalContext")
	}

	u := s.BaseURL + "/search?" + url.Values{"q": {q}, "format": {"json"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("web search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Results []searxResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("web search: decode: %w", err)
	}
	return formatResults(q, decoded.Results), nil
}

func formatResults(query string, results []searxResult) string {
	if len(results) == 0 {
		return "Web search found no results for:\n" + query
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for: %s\n", query)
	for i, r := range results {
		if i >= maxSearchResults {
			break
		}
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, strings.TrimSpace(r.Title), r.URL)
		if c := strings.TrimSpace(r.Content); c != "" {
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
